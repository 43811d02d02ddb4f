package notification

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// Feed lists recently delivered events.
type Feed interface {
	Recent(ctx context.Context, limit int) ([]Event, error)
}

// Handler exposes the recent-event feed over HTTP.
type Handler struct {
	feed Feed
}

func NewHandler(feed Feed) *Handler {
	return &Handler{feed: feed}
}

// RegisterRoutes registers the notification routes on the given Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/notifications/recent", h.HandleRecent)
}

// HandleRecent handles GET /notifications/recent?limit=...
func (h *Handler) HandleRecent(c echo.Context) error {
	if h.feed == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "event feed not configured"})
	}
	limit := 20
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
		}
		limit = n
	}
	events, err := h.feed.Recent(c.Request().Context(), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, events)
}
