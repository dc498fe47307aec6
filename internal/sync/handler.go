package sync

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type Handler struct {
	orch *Orchestrator
}

func NewHandler(orch *Orchestrator) *Handler {
	return &Handler{orch: orch}
}

func (h *Handler) Register(g *echo.Group) {
	g.POST("/patients/:id/sync", h.SyncPatient)
	g.GET("/patients/:id/bundle", h.GetBundle)
	g.GET("/patients/:id/last-sync", h.GetLastSync)
	g.DELETE("/cache", h.ClearCache)
}

// SyncPatient runs the pipeline for one patient. The result is returned with
// 200 even on pipeline failure; only a missing id is a client error.
func (h *Handler) SyncPatient(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "patient id is required")
	}
	res := h.orch.SyncPatient(c.Request().Context(), id)
	return c.JSON(http.StatusOK, res)
}

// GetBundle fetches and transforms the patient's records without writing
// them, for inspection.
func (h *Handler) GetBundle(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "patient id is required")
	}
	snap, err := h.orch.Snapshot(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "fetch bundle: "+err.Error())
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) GetLastSync(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "patient id is required")
	}
	if h.orch.store == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "warehouse not configured")
	}
	last, err := h.orch.store.LastSyncTime(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "last sync time: "+err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"patient_id":   id,
		"last_sync_at": last,
	})
}

func (h *Handler) ClearCache(c echo.Context) error {
	h.orch.fetcher.ClearCache()
	return c.JSON(http.StatusOK, map[string]string{"status": "cache cleared"})
}
