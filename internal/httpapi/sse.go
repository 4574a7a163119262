package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/runengine/internal/streaming"
	"github.com/rendis/runengine/pkg/schema"
)

// handleStream streams a run's progress events as Server-Sent Events until
// the client disconnects or the run ends.
func (s *Server) handleStream(c echo.Context) error {
	if s.deps.Hub == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "progress streaming is disabled")
	}
	ctx := c.Request().Context()
	runID := c.Param("id")
	if _, err := s.deps.Service.Get(ctx, tenantOf(c), runID); err != nil {
		return err
	}

	ch, cancel, err := s.deps.Hub.Subscribe(ctx, streaming.Filter{TenantID: tenantOf(c), RunID: runID})
	if err != nil {
		return err
	}
	defer cancel()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-ch:
			if !ok {
				return nil
			}
			data, err := json.Marshal(env.Event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Event.Type, data)
			w.Flush()
			if env.Event.Type == schema.ProgressRunCompleted || env.Event.Type == schema.ProgressRunFailed {
				return nil
			}
		}
	}
}
