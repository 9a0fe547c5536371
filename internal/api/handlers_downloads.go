package api

import (
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/vaultfetch/vaultfetch/internal/downloader"
	"github.com/vaultfetch/vaultfetch/internal/manifest"
)

// Largest manifest document accepted over HTTP.
const maxDocumentBytes = 8 << 20

// errorResponse maps core errors onto HTTP status codes.
func errorResponse(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, downloader.ErrItemNotFound):
		status = http.StatusNotFound
	case errors.Is(err, manifest.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, downloader.ErrNotRunning):
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}

// GET /api/v1/downloads
func (s *Server) listDownloads(c echo.Context) error {
	snap, err := s.downloads.Snapshot(c.Request().Context())
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, snap.Public())
}

// GET /api/v1/downloads/:id
func (s *Server) getDownload(c echo.Context) error {
	snap, err := s.downloads.Snapshot(c.Request().Context())
	if err != nil {
		return errorResponse(c, err)
	}
	item, ok := snap.Item(c.Param("id"))
	if !ok {
		return errorResponse(c, downloader.ErrItemNotFound)
	}
	return c.JSON(http.StatusOK, item)
}

// POST /api/v1/downloads
// Accepts a manifest document as JSON or YAML.
func (s *Server) startDocument(c echo.Context) error {
	data, err := io.ReadAll(io.LimitReader(c.Request().Body, maxDocumentBytes))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	mediaType, _, _ := mime.ParseMediaType(c.Request().Header.Get(echo.HeaderContentType))
	isJSON := mediaType == "" || mediaType == echo.MIMEApplicationJSON

	doc, err := manifest.Parse(data, isJSON)
	if err != nil {
		return errorResponse(c, err)
	}

	if doc.Asset != nil {
		return s.acceptAsset(c, *doc.Asset)
	}
	return s.acceptEngine(c, *doc.Engine)
}

// POST /api/v1/downloads/assets
func (s *Server) startAsset(c echo.Context) error {
	var asset manifest.Asset
	if err := c.Bind(&asset); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	return s.acceptAsset(c, asset)
}

// POST /api/v1/downloads/engines
func (s *Server) startEngine(c echo.Context) error {
	var engine manifest.Engine
	if err := c.Bind(&engine); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	return s.acceptEngine(c, engine)
}

func (s *Server) acceptAsset(c echo.Context, asset manifest.Asset) error {
	if err := s.downloads.StartAsset(asset); err != nil {
		return errorResponse(c, err)
	}
	s.logger.Info().Str("asset", asset.ID).Str("label", asset.Label).Msg("Asset download requested")
	return c.JSON(http.StatusAccepted, map[string]string{"id": asset.ID, "status": "accepted"})
}

func (s *Server) acceptEngine(c echo.Context, engine manifest.Engine) error {
	if err := s.downloads.StartEngine(engine); err != nil {
		return errorResponse(c, err)
	}
	id := downloader.EngineItemID(engine.Version)
	s.logger.Info().Str("engine", engine.Version).Msg("Engine download requested")
	return c.JSON(http.StatusAccepted, map[string]string{"id": id, "status": "accepted"})
}

// POST /api/v1/downloads/:id/pause
func (s *Server) pauseDownload(c echo.Context) error {
	if err := s.downloads.Pause(c.Request().Context(), c.Param("id")); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "paused"})
}

// POST /api/v1/downloads/:id/resume
func (s *Server) resumeDownload(c echo.Context) error {
	if err := s.downloads.Resume(c.Request().Context(), c.Param("id")); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "resumed"})
}

// DELETE /api/v1/downloads/:id
func (s *Server) cancelDownload(c echo.Context) error {
	if err := s.downloads.Cancel(c.Request().Context(), c.Param("id")); err != nil {
		return errorResponse(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
