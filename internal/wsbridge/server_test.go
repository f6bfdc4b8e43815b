package wsbridge

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/verbatim-ai/verbatim/internal/config"
	"github.com/verbatim-ai/verbatim/internal/controller"
	asrmock "github.com/verbatim-ai/verbatim/pkg/asr/mock"
	embedmock "github.com/verbatim-ai/verbatim/pkg/embed/mock"
)

// startServer runs the bridge on an ephemeral port and returns its base URL.
func startServer(t *testing.T, ctrl *controller.Controller) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := New(ctrl, l.Addr().String())
	go func() { _ = s.Serve(l) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return "http://" + l.Addr().String()
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	ctrl := controller.New(&asrmock.Engine{}, &embedmock.Embedder{})
	base := startServer(t, ctrl)

	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("healthz request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	ctrl := controller.New(&asrmock.Engine{}, &embedmock.Embedder{})
	base := startServer(t, ctrl)

	resp, err := http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("metrics request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", resp.StatusCode)
	}
}

// TestEventsStreamDeliversStatus subscribes over WebSocket, starts a session
// against the default synthetic device, and expects status events to arrive
// as JSON frames.
func TestEventsStreamDeliversStatus(t *testing.T) {
	t.Parallel()

	ctrl := controller.New(&asrmock.Engine{}, &embedmock.Embedder{})
	base := startServer(t, ctrl)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + base[len("http"):] + "/events"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// Give the handler a beat to register its subscriptions before events
	// start flowing.
	time.Sleep(50 * time.Millisecond)

	if err := ctrl.Start(config.TranscriptionConfig{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer ctrl.Stop()

	for {
		_, payload, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("no event frame arrived: %v", err)
		}
		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			t.Fatalf("bad event payload %q: %v", payload, err)
		}
		if ev.Type == "status" {
			if ev.Status == nil {
				t.Fatalf("status event without body: %q", payload)
			}
			return
		}
	}
}
