package census

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/careops/censusd/pkg/pagination"
)

type Handler struct {
	builder *Builder
}

func NewHandler(builder *Builder) *Handler {
	return &Handler{builder: builder}
}

func (h *Handler) Register(g *echo.Group) {
	g.GET("/census", h.GetCensus)
}

// GetCensus returns the cohort, windowed by limit/offset. ?refresh=true
// bypasses the stored cohort and forces a live crawl.
func (h *Handler) GetCensus(c echo.Context) error {
	refresh := c.QueryParam("refresh") == "true"
	cohort, err := h.builder.GetCensus(c.Request().Context(), refresh, nil)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "build census: "+err.Error())
	}
	p := pagination.FromContext(c)
	start, end := p.Window(len(cohort))
	return c.JSON(http.StatusOK, pagination.NewResponse(cohort[start:end], len(cohort), p))
}
