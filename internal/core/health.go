package core

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

const healthCheckTimeout = 2 * time.Second

// HealthProbe checks one dependency (database, redis). Check must return
// once ctx is done.
type HealthProbe interface {
	Name() string
	Check(ctx context.Context) error
}

// ProbeFunc adapts a ping function to HealthProbe.
type ProbeFunc struct {
	Component string
	Fn        func(ctx context.Context) error
}

func (p ProbeFunc) Name() string                    { return p.Component }
func (p ProbeFunc) Check(ctx context.Context) error { return p.Fn(ctx) }

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth runs every probe concurrently under a 2s deadline. Any failure
// or timeout yields 503.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	errs := make([]error, len(s.HealthProbes))
	var eg errgroup.Group
	for i, probe := range s.HealthProbes {
		eg.Go(func() (err error) {
			defer func() {
				if rvr := recover(); rvr != nil {
					err = fmt.Errorf("probe panicked: %v", rvr)
				}
				errs[i] = err
			}()
			return probe.Check(ctx)
		})
	}
	_ = eg.Wait()

	resp := healthResponse{Status: "healthy"}
	if s.Config != nil {
		resp.Version = s.Config.Build.Version
	}
	if len(s.HealthProbes) > 0 {
		resp.Components = make(map[string]componentStatus, len(s.HealthProbes))
	}
	status := http.StatusOK
	for i, probe := range s.HealthProbes {
		cs := componentStatus{Status: "healthy"}
		if errs[i] != nil {
			cs = componentStatus{Status: "unhealthy", Message: errs[i].Error()}
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
		}
		resp.Components[probe.Name()] = cs
	}
	JSON(w, r, status, resp)
}
