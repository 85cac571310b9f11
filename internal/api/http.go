package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/bilbercode/camstream/internal/monitors"
)

type httpAPI struct {
	monitors MonitorService
	cameras  CameraLookup
}

// NewHandler serves the monitor API, health and metrics.
func NewHandler(m MonitorService, cameras CameraLookup) http.Handler {
	a := &httpAPI{monitors: m, cameras: cameras}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /monitors", a.listCameras)
	mux.HandleFunc("GET /monitors/{id}", a.getCamera)
	mux.HandleFunc("PUT /monitors/{id}", a.updateCamera)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (a *httpAPI) listCameras(w http.ResponseWriter, _ *http.Request) {
	out := &Cameras{Monitors: []*Camera{}}
	for _, m := range a.monitors.List() {
		out.Monitors = append(out.Monitors, a.describe(m))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *httpAPI) getCamera(w http.ResponseWriter, r *http.Request) {
	id, ok := monitorID(w, r)
	if !ok {
		return
	}
	m, err := a.monitors.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.describe(m))
}

func (a *httpAPI) updateCamera(w http.ResponseWriter, r *http.Request) {
	id, ok := monitorID(w, r)
	if !ok {
		return
	}
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "expected a body of {\"enabled\": bool}"})
		return
	}
	m, err := a.monitors.SetEnabled(id, *req.Enabled)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.describe(m))
}

func (a *httpAPI) describe(m *monitors.Meta) *Camera {
	c := &Camera{
		ID:      m.ID,
		Name:    m.Name,
		Codec:   m.Codec,
		Muxed:   m.Muxed,
		Enabled: m.Enabled,
		State:   "idle",
	}
	srv, ok := a.cameras.Get(m.ID)
	if !ok {
		return c
	}
	c.State = srv.State().String()
	c.Port = srv.Port()
	for _, s := range srv.Sessions() {
		if url, ok := srv.URL(s.Name()); ok {
			c.URLs = append(c.URLs, url)
		}
	}
	return c
}

func monitorID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "monitor id must be an integer"})
		return 0, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	if errors.Is(err, monitors.ErrNotFound) {
		code = http.StatusNotFound
	} else {
		log.WithError(err).Error("monitor api request failed")
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("failed to write api response")
	}
}
