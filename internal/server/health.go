package server

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const healthCheckTimeout = 2 * time.Second

// HealthCheck is one dependency reported by /health. Backend names the
// implementation in use ("postgres", "memory", "rabbitmq", "none"). A nil
// Ping means the component has nothing to dial and is always up.
type HealthCheck struct {
	Name    string
	Backend string
	Ping    func(context.Context) error
}

type componentHealth struct {
	Backend   string  `json:"backend"`
	Up        bool    `json:"up"`
	LatencyMs float64 `json:"latencyMs"`
	Error     string  `json:"error,omitempty"`
}

type healthResponse struct {
	Status      string                     `json:"status"`
	Components  map[string]componentHealth `json:"components"`
	DeadLetters int                        `json:"deadLetters"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:      "healthy",
		Components:  make(map[string]componentHealth, len(s.health)),
		DeadLetters: s.deadLetterDepth(),
	}
	for _, hc := range s.health {
		c := runCheck(r.Context(), hc)
		if !c.Up {
			resp.Status = "degraded"
			s.logger.Warn("health check failed",
				zap.String("component", hc.Name),
				zap.String("backend", hc.Backend),
				zap.String("error", c.Error))
		}
		resp.Components[hc.Name] = c
	}

	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func runCheck(ctx context.Context, hc HealthCheck) componentHealth {
	c := componentHealth{Backend: hc.Backend, Up: true}
	if hc.Ping == nil {
		return c
	}
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	start := time.Now()
	if err := hc.Ping(ctx); err != nil {
		c.Up = false
		c.Error = err.Error()
		return c
	}
	c.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
	return c
}

// deadLetterDepth also refreshes the exported gauge.
func (s *Server) deadLetterDepth() int {
	if s.queueDepthFn == nil {
		return 0
	}
	depth, err := s.queueDepthFn()
	if err != nil {
		s.logger.Warn("dlq read error", zap.Error(err))
		return 0
	}
	s.metrics.SetDLQDepth(depth)
	return depth
}
