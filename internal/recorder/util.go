package recorder

import (
	"context"
	"os"
	"time"
)

// contextWithStop derives a context that is cancelled either after
// timeout or when stopCh closes, whichever comes first, so a blocked
// Get on the raw-frame channel still observes a Stop request promptly.
func contextWithStop(stopCh <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
