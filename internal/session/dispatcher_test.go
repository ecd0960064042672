package session

import (
	"context"
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"microscope-core/internal/axis"
	"microscope-core/internal/config"
	"microscope-core/internal/motion"
	"microscope-core/internal/pinio"
	"microscope-core/internal/video"
)

type stubLEDs struct {
	duty [2]float64
}

func (s *stubLEDs) SetLEDDuty(index int, percent float64) error {
	s.duty[index] = percent
	return nil
}

func newTestEngine() *motion.Engine {
	sim := pinio.NewSim()
	xDriver := axis.New(sim, [4]pinio.Pin{0, 1, 2, 3}, 1)
	yDriver := axis.New(sim, [4]pinio.Pin{4, 5, 6, 7}, 1)
	zDriver := axis.New(sim, [4]pinio.Pin{8, 9, 10, 11}, 1)
	return motion.New(map[motion.Tag]motion.AxisConfig{
		motion.X: {Driver: xDriver},
		motion.Y: {Driver: yDriver},
		motion.Z: {Driver: zDriver},
	})
}

// serverConn upgrades a single inbound connection and hands back the
// server-side *websocket.Conn for a Dispatcher under test, mirroring
// the broadcaster-over-websocket shape a DVR-style server uses.
func serverConn(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()
	var upgrader websocket.Upgrader
	serverConnCh := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverConnCh <- c
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { clientConn.Close() })

	serverSide := <-serverConnCh
	t.Cleanup(func() { serverSide.Close() })
	return serverSide, clientConn
}

func TestDispatcherSetExposureEmitsSettingsUpdate(t *testing.T) {
	serverSide, clientConn := serverConn(t)

	settings := config.DefaultSettings()
	leds := &stubLEDs{}
	d := New(serverSide, Dependencies{
		Engine:   newTestEngine(),
		Settings: settings,
		LEDs:     leds,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	cmd := Command{Type: "set_exposure", Payload: json.RawMessage(`{"value": 42.5}`)}
	raw, _ := json.Marshal(cmd)
	if err := clientConn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write: %v", err)
	}

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := clientConn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var evt Event
	if err := json.Unmarshal(msg, &evt); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if evt.Type != "settings_update" {
		t.Fatalf("event type = %q, want settings_update", evt.Type)
	}
	if settings.ExposureMS != 42.5 {
		t.Fatalf("ExposureMS = %v, want 42.5", settings.ExposureMS)
	}
}

func TestDispatcherStopMoveClearsEngine(t *testing.T) {
	serverSide, clientConn := serverConn(t)

	engine := newTestEngine()
	settings := config.DefaultSettings()
	d := New(serverSide, Dependencies{Engine: engine, Settings: settings, LEDs: &stubLEDs{}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	go engine.MoveRelative(motion.X, 100000)
	time.Sleep(20 * time.Millisecond)
	if !engine.Active(motion.X) {
		t.Skip("move finished before stop_move could race it")
	}

	cmd := Command{Type: "stop_move"}
	raw, _ := json.Marshal(cmd)
	if err := clientConn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if engine.Active(motion.X) {
		t.Fatal("expected stop_move to preempt the in-flight move")
	}
}

func TestDispatcherEmitsVideoFrameFromMainSensor(t *testing.T) {
	serverSide, clientConn := serverConn(t)

	mainPipeline := video.New(video.NewSimSensor(), image.Pt(64, 48), image.Pt(160, 120), nil)
	if err := mainPipeline.StartPreview(video.StartConfig{Width: 64, Height: 48, FramerateFPS: 120}); err != nil {
		t.Fatalf("StartPreview: %v", err)
	}
	defer mainPipeline.Shutdown()

	d := New(serverSide, Dependencies{
		Engine:   newTestEngine(),
		Settings: config.DefaultSettings(),
		LEDs:     &stubLEDs{},
		Sensors:  Sensors{Main: mainPipeline},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	clientConn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, msg, err := clientConn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var evt Event
		if err := json.Unmarshal(msg, &evt); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		if evt.Type == "video_frame" {
			return
		}
	}
}
