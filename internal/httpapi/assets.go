package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rendis/runengine/internal/assets"
)

func (s *Server) handleAssetState(c echo.Context) error {
	st, err := s.deps.Service.AssetState(c.Request().Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleAssetSettings(c echo.Context) error {
	var in assets.Settings
	if err := bind(c, &in); err != nil {
		return err
	}
	st, err := s.deps.Service.SubmitAssetSettings(c.Request().Context(), tenantOf(c), c.Param("id"), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleAssetPositions(c echo.Context) error {
	ps, err := s.deps.Service.AssetPositions(c.Request().Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"positions": ps})
}

func (s *Server) handleSubmitPositions(c echo.Context) error {
	var d assets.PositionsDecision
	if err := bind(c, &d); err != nil {
		return err
	}
	st, err := s.deps.Service.SubmitAssetPositions(c.Request().Context(), tenantOf(c), c.Param("id"), d)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleAssetInstructions(c echo.Context) error {
	var body struct {
		Instructions []string `json:"instructions"`
	}
	if err := bind(c, &body); err != nil {
		return err
	}
	st, err := s.deps.Service.SubmitAssetInstructions(c.Request().Context(), tenantOf(c), c.Param("id"), body.Instructions)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleAssetImages(c echo.Context) error {
	items, err := s.deps.Service.AssetImages(c.Request().Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"images": items})
}

func (s *Server) handleImageReview(c echo.Context) error {
	var r assets.ImageReview
	if err := bind(c, &r); err != nil {
		return err
	}
	st, err := s.deps.Service.SubmitAssetImageReview(c.Request().Context(), tenantOf(c), c.Param("id"), r)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleAssetPreview(c echo.Context) error {
	p, err := s.deps.Service.AssetPreview(c.Request().Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleFinalize(c echo.Context) error {
	var d assets.FinalizeDecision
	if err := bind(c, &d); err != nil {
		return err
	}
	st, err := s.deps.Service.FinalizeAsset(c.Request().Context(), tenantOf(c), c.Param("id"), d)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}
