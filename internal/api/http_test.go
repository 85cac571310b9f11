package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bilbercode/camstream/internal/camera"
	"github.com/bilbercode/camstream/internal/monitors"
)

type cameraMap map[int]*camera.StreamServer

func (c cameraMap) Get(id int) (*camera.StreamServer, bool) {
	srv, ok := c[id]
	return srv, ok
}

func newTestAPI(t *testing.T) (http.Handler, *monitors.Service) {
	t.Helper()
	svc, err := monitors.NewService("", []*monitors.Meta{
		{ID: 1, Name: "porch", Codec: "h264", Enabled: true},
		{ID: 2, Name: "yard", Codec: "vp8"},
	})
	if err != nil {
		t.Fatal(err)
	}
	srv, err := camera.New(camera.Config{ID: 0, Address: "127.0.0.1"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	return NewHandler(svc, cameraMap{1: srv}), svc
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestListMonitors(t *testing.T) {
	t.Parallel()
	h, _ := newTestAPI(t)

	rec := do(t, h, http.MethodGet, "/monitors", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", rec.Code)
	}
	var out Cameras
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Monitors) != 2 {
		t.Fatalf("got %d monitors, want 2", len(out.Monitors))
	}
	if out.Monitors[0].State != "bound" || out.Monitors[1].State != "idle" {
		t.Errorf("states: got %q %q", out.Monitors[0].State, out.Monitors[1].State)
	}
}

func TestUpdateMonitor(t *testing.T) {
	t.Parallel()
	h, svc := newTestAPI(t)

	var events []*monitors.Event
	svc.Subscribe(func(e *monitors.Event) { events = append(events, e) })

	rec := do(t, h, http.MethodPut, "/monitors/2", `{"enabled": true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d: %s", rec.Code, rec.Body)
	}
	var c Camera
	if err := json.NewDecoder(rec.Body).Decode(&c); err != nil {
		t.Fatal(err)
	}
	if !c.Enabled || c.ID != 2 {
		t.Errorf("got %+v", c)
	}
	if len(events) != 2 || events[1].Type != monitors.EventTypeStartCamera {
		t.Errorf("events: got %d", len(events))
	}
}

func TestErrors(t *testing.T) {
	t.Parallel()
	h, _ := newTestAPI(t)
	tests := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodGet, "/monitors/9", "", http.StatusNotFound},
		{http.MethodGet, "/monitors/abc", "", http.StatusBadRequest},
		{http.MethodPut, "/monitors/9", `{"enabled": true}`, http.StatusNotFound},
		{http.MethodPut, "/monitors/1", `{}`, http.StatusBadRequest},
		{http.MethodPut, "/monitors/1", `not json`, http.StatusBadRequest},
		{http.MethodDelete, "/monitors/1", "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		if rec := do(t, h, tt.method, tt.path, tt.body); rec.Code != tt.want {
			t.Errorf("%s %s: got %d, want %d", tt.method, tt.path, rec.Code, tt.want)
		}
	}
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()
	h, _ := newTestAPI(t)
	if rec := do(t, h, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("health: got %d", rec.Code)
	}
	rec := do(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("metrics should expose the default registry")
	}
}
