package api

import (
	"github.com/bilbercode/camstream/internal/camera"
	"github.com/bilbercode/camstream/internal/monitors"
)

type MonitorService interface {
	List() []*monitors.Meta
	Get(id int) (*monitors.Meta, error)
	SetEnabled(id int, enabled bool) (*monitors.Meta, error)
}

type CameraLookup interface {
	Get(id int) (*camera.StreamServer, bool)
}

// Camera is a monitor as reported over the API.
type Camera struct {
	ID      int      `json:"id"`
	Name    string   `json:"name"`
	Codec   string   `json:"codec"`
	Muxed   bool     `json:"muxed"`
	Enabled bool     `json:"enabled"`
	State   string   `json:"state"`
	Port    int      `json:"port,omitempty"`
	URLs    []string `json:"urls,omitempty"`
}

type Cameras struct {
	Monitors []*Camera `json:"monitors"`
}

type updateRequest struct {
	Enabled *bool `json:"enabled"`
}

type errorResponse struct {
	Error string `json:"error"`
}
