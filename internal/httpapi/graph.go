package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/runengine/internal/diagram"
	"github.com/rendis/runengine/pkg/schema"
)

// handleStaticGraph renders the step graph without run state.
func (s *Server) handleStaticGraph(c echo.Context) error {
	return s.renderGraph(c, diagram.Build(s.deps.Graph, nil))
}

// handleRunGraph renders the step graph overlaid with a run's statuses.
func (s *Server) handleRunGraph(c echo.Context) error {
	sum, err := s.deps.Service.Get(c.Request().Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		return err
	}
	return s.renderGraph(c, diagram.Build(s.deps.Graph, sum))
}

func (s *Server) renderGraph(c echo.Context, model *diagram.DiagramModel) error {
	switch format := c.QueryParam("format"); format {
	case "", "mermaid":
		return c.String(http.StatusOK, diagram.RenderMermaid(model))
	case "ascii":
		return c.String(http.StatusOK, diagram.RenderASCII(model))
	case "png", "svg":
		data, err := diagram.RenderImage(c.Request().Context(), model, diagram.ImageFormat(format))
		if err != nil {
			return err
		}
		ct := "image/png"
		if format == "svg" {
			ct = "image/svg+xml"
		}
		return c.Blob(http.StatusOK, ct, data)
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown graph format %q", format)
	}
}
