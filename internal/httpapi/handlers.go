package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/rendis/runengine/internal/engine"
	"github.com/rendis/runengine/pkg/schema"
)

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid request body: %v", err)
	}
	return nil
}

// bindOptional tolerates an empty body.
func bindOptional(c echo.Context, v any) error {
	if c.Request().ContentLength == 0 {
		return nil
	}
	return bind(c, v)
}

func queryInt(c echo.Context, key string, def int) (int, error) {
	v := c.QueryParam(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "query parameter %s must be a non-negative integer", key)
	}
	return n, nil
}

func (s *Server) handleCreate(c echo.Context) error {
	var req engine.CreateRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	sum, err := s.deps.Service.Create(c.Request().Context(), tenantOf(c), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, sum)
}

func (s *Server) handleList(c echo.Context) error {
	var f engine.ListFilter
	if v := c.QueryParam("status"); v != "" {
		for _, st := range strings.Split(v, ",") {
			f.Statuses = append(f.Statuses, schema.RunStatus(strings.TrimSpace(st)))
		}
	}
	var err error
	if f.Limit, err = queryInt(c, "limit", 50); err != nil {
		return err
	}
	if f.Offset, err = queryInt(c, "offset", 0); err != nil {
		return err
	}
	runs, err := s.deps.Service.List(c.Request().Context(), tenantOf(c), f)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"runs": runs, "limit": f.Limit, "offset": f.Offset})
}

func (s *Server) handleGet(c echo.Context) error {
	sum, err := s.deps.Service.Get(c.Request().Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sum)
}

func (s *Server) handleDelete(c echo.Context) error {
	if err := s.deps.Service.Delete(c.Request().Context(), tenantOf(c), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleApprove(c echo.Context) error {
	var d engine.Decision
	if err := bindOptional(c, &d); err != nil {
		return err
	}
	sum, err := s.deps.Service.Approve(c.Request().Context(), tenantOf(c), c.Param("id"), d)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sum)
}

func (s *Server) handleReject(c echo.Context) error {
	var d engine.Decision
	if err := bindOptional(c, &d); err != nil {
		return err
	}
	sum, err := s.deps.Service.Reject(c.Request().Context(), tenantOf(c), c.Param("id"), d)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sum)
}

func (s *Server) handleCancel(c echo.Context) error {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := bindOptional(c, &body); err != nil {
		return err
	}
	sum, err := s.deps.Service.Cancel(c.Request().Context(), tenantOf(c), c.Param("id"), body.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sum)
}

func (s *Server) handlePause(c echo.Context) error {
	sum, err := s.deps.Service.Pause(c.Request().Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sum)
}

func (s *Server) handleUnpause(c echo.Context) error {
	sum, err := s.deps.Service.Unpause(c.Request().Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sum)
}

func (s *Server) handleRetry(c echo.Context) error {
	var body struct {
		Step string `json:"step"`
	}
	if err := bindOptional(c, &body); err != nil {
		return err
	}
	sum, err := s.deps.Service.Retry(c.Request().Context(), tenantOf(c), c.Param("id"), body.Step)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sum)
}

func (s *Server) handleResume(c echo.Context) error {
	var req engine.ResumeRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.Step == "" {
		return schema.NewError(schema.ErrCodeValidation, "step is required")
	}
	sum, err := s.deps.Service.Resume(c.Request().Context(), tenantOf(c), c.Param("id"), req)
	if err != nil {
		return err
	}
	if sum.ID != c.Param("id") {
		return c.JSON(http.StatusCreated, sum)
	}
	return c.JSON(http.StatusOK, sum)
}

func (s *Server) handleClone(c echo.Context) error {
	var body struct {
		Config *schema.RunConfig `json:"config"`
	}
	if err := bindOptional(c, &body); err != nil {
		return err
	}
	sum, err := s.deps.Service.Clone(c.Request().Context(), tenantOf(c), c.Param("id"), body.Config)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, sum)
}

func (s *Server) handleEvents(c echo.Context) error {
	since, err := queryInt(c, "since", 0)
	if err != nil {
		return err
	}
	events, err := s.deps.Service.Events(c.Request().Context(), tenantOf(c), c.Param("id"), int64(since))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleAttempts(c echo.Context) error {
	atts, err := s.deps.Service.Attempts(c.Request().Context(), tenantOf(c), c.Param("id"), c.QueryParam("step"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"steps": atts})
}

func (s *Server) handleArtifacts(c echo.Context) error {
	arts, err := s.deps.Service.Artifacts(c.Request().Context(), tenantOf(c), c.Param("id"), c.QueryParam("step"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"artifacts": arts})
}

func (s *Server) handleArtifactContent(c echo.Context) error {
	a, data, err := s.deps.Service.ArtifactContent(c.Request().Context(), tenantOf(c), c.Param("id"), c.Param("artifact"))
	if err != nil {
		return err
	}
	ct := a.ContentType
	if ct == "" {
		ct = echo.MIMEOctetStream
	}
	c.Response().Header().Set("ETag", strconv.Quote(a.Digest))
	return c.Blob(http.StatusOK, ct, data)
}

func (s *Server) handleReviews(c echo.Context) error {
	reviews, err := s.deps.Service.Reviews(c.Request().Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"reviews": reviews})
}

func (s *Server) handleAudit(c echo.Context) error {
	states, err := s.deps.Service.Audit(c.Request().Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"steps": states})
}
