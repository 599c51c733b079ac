package web

import (
	"context"
	"sort"
	"time"

	"github.com/gofiber/fiber/v2"
)

// readyTimeout bounds each upstream probe.
const readyTimeout = 5 * time.Second

// handleHealth reports liveness.
func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":   "ok",
		"version":  Version,
		"sessions": s.hub.Count(),
	})
}

// UpstreamStatus is one entry of the readiness report.
type UpstreamStatus struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// handleReady probes every upstream and answers 503 if any is down.
func (s *Server) handleReady(c *fiber.Ctx) error {
	names := make([]string, 0, len(s.cfg.Upstreams))
	for name := range s.cfg.Upstreams {
		names = append(names, name)
	}
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(c.UserContext(), readyTimeout)
	defer cancel()

	status := fiber.StatusOK
	results := make([]UpstreamStatus, 0, len(names))
	for _, name := range names {
		res := UpstreamStatus{Name: name, OK: true}
		if err := s.cfg.Upstreams[name].Health(ctx); err != nil {
			res.OK = false
			res.Error = err.Error()
			status = fiber.StatusServiceUnavailable
			s.log.Warn("upstream not ready", "upstream", name, "error", err)
		}
		results = append(results, res)
	}

	return c.Status(status).JSON(fiber.Map{
		"ready":     status == fiber.StatusOK,
		"upstreams": results,
	})
}
