package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/selfheal/internal/experience"
)

// ExperienceHandler serves the experience log. It never writes.
type ExperienceHandler struct {
	store ExperienceReader
}

func (h *ExperienceHandler) Register(g *echo.Group) {
	g.GET("/stats", h.stats)
	g.GET("/experiences", h.list)
	g.GET("/experiences/:id", h.get)
	g.GET("/timeline", h.timeline)
	g.GET("/search", h.search)
}

func (h *ExperienceHandler) stats(c echo.Context) error {
	st, err := h.store.Stats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

// list retrieves by category when one is given and returns the full log
// otherwise.
func (h *ExperienceHandler) list(c echo.Context) error {
	ctx := c.Request().Context()
	category := strings.TrimSpace(c.QueryParam("category"))
	if category == "" {
		records, err := h.store.List(ctx)
		if err != nil {
			return err
		}
		if records == nil {
			records = []experience.Experience{}
		}
		return c.JSON(http.StatusOK, map[string]any{"experiences": records, "total": len(records)})
	}
	topK, err := intParam(c, "top_k", experience.DefaultTopK)
	if err != nil {
		return err
	}
	res, err := h.store.Retrieve(ctx, category, topK)
	if err != nil {
		return err
	}
	if res.Matches == nil {
		res.Matches = []experience.Experience{}
	}
	return c.JSON(http.StatusOK, res)
}

func (h *ExperienceHandler) get(c echo.Context) error {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "id must be a positive integer")
	}
	records, err := h.store.List(c.Request().Context())
	if err != nil {
		return err
	}
	for _, e := range records {
		if e.ID == id {
			return c.JSON(http.StatusOK, e)
		}
	}
	return echo.NewHTTPError(http.StatusNotFound, "experience not found")
}

func (h *ExperienceHandler) timeline(c echo.Context) error {
	points, err := h.store.Timeline(c.Request().Context())
	if err != nil {
		return err
	}
	if points == nil {
		points = []experience.TimelinePoint{}
	}
	return c.JSON(http.StatusOK, map[string]any{"timeline": points})
}

func (h *ExperienceHandler) search(c echo.Context) error {
	q := strings.TrimSpace(c.QueryParam("q"))
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	limit, err := intParam(c, "limit", 10)
	if err != nil {
		return err
	}
	hits, err := h.store.Search(c.Request().Context(), q, limit)
	if err != nil {
		return err
	}
	if hits == nil {
		hits = []experience.SearchHit{}
	}
	return c.JSON(http.StatusOK, map[string]any{"query": q, "hits": hits})
}

func intParam(c echo.Context, name string, def int) (int, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be a positive integer")
	}
	return n, nil
}
