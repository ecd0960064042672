package video

import (
	"runtime"
	"sync"
	"sync/atomic"

	"gocv.io/x/gocv"
)

// encodeJob is one frame submitted for JPEG encoding.
type encodeJob struct {
	mat    gocv.Mat
	result chan encodeResult
}

type encodeResult struct {
	bytes []byte
	err   error
}

// EncodePool runs concurrent JPEG encode workers, generalized from a
// concurrent JPEG *decode* pool that ran against ffmpeg's stdout in the
// dashboard lineage this pipeline is built on. The direction reverses
// here (frames arrive as gocv.Mat and leave as JPEG bytes) but the
// worker-count cap is the same. Jobs are never dropped: Encode blocks
// its caller while the job queue is full and until its frame is
// encoded.
type EncodePool struct {
	workers int
	jobs    chan encodeJob
	running atomic.Bool
	wg      sync.WaitGroup
}

// NewEncodePool creates a pool of encoder workers. workers <= 0 picks
// NumCPU, capped at 2 to match a single-board-computer's budget.
func NewEncodePool(workers int) *EncodePool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > 2 {
		workers = 2
	}
	return &EncodePool{
		workers: workers,
		jobs:    make(chan encodeJob, 4),
	}
}

// Start launches the encoder workers. A pool may be restarted after
// Stop; the jobs channel is recreated since Stop closes it.
func (p *EncodePool) Start() {
	if p.running.Swap(true) {
		return
	}
	p.jobs = make(chan encodeJob, 4)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Stop halts all workers and waits for them to drain.
func (p *EncodePool) Stop() {
	if !p.running.Swap(false) {
		return
	}
	close(p.jobs)
	p.wg.Wait()
}

func (p *EncodePool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		buf, err := gocv.IMEncode(gocv.JPEGFileExt, job.mat)
		if err != nil {
			job.result <- encodeResult{err: err}
			continue
		}
		// GetBytes aliases the native buffer; copy before Close frees it.
		data := make([]byte, len(buf.GetBytes()))
		copy(data, buf.GetBytes())
		buf.Close()
		job.result <- encodeResult{bytes: data}
	}
}

// Encode submits mat for JPEG encoding and blocks for the result. The
// caller retains ownership of mat.
func (p *EncodePool) Encode(mat gocv.Mat) ([]byte, error) {
	result := make(chan encodeResult, 1)
	p.jobs <- encodeJob{mat: mat, result: result}
	r := <-result
	return r.bytes, r.err
}
