package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lysyi3m/feed-depot/app/database"
)

func NewHandler(registry database.Registry, items database.ItemStore, health FeedHealthReader,
	db Pinger, broker HealthReporter, version string) *Handler {
	return &Handler{
		registry: registry,
		items:    items,
		health:   health,
		db:       db,
		broker:   broker,
		version:  version,
	}
}

func (h *Handler) SetScheduler(s SchedulerInfo) {
	h.scheduler = s
}

func (h *Handler) SetWorkers(w WorkerInfo) {
	h.workers = w
}

func (h *Handler) GetHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	response := map[string]any{
		"status":    "healthy",
		"version":   h.version,
		"timestamp": time.Now().In(time.Local).Format(time.RFC3339),
	}

	if err := h.db.PingContext(ctx); err != nil {
		slog.Error("Health check failed", "component", "store", "error", err)
		response["store"] = map[string]any{"status": "unavailable", "error": err.Error()}
		status = http.StatusServiceUnavailable
	} else {
		response["store"] = map[string]any{"status": "healthy"}
	}

	if h.broker != nil {
		bh := h.broker.Health(ctx)
		response["broker"] = bh
		if bh["status"] != "healthy" {
			status = http.StatusServiceUnavailable
		}
	}

	if h.scheduler != nil {
		response["scheduler"] = h.scheduler.Health()
	}

	if status != http.StatusOK {
		response["status"] = "unhealthy"
	}

	c.JSON(status, response)
}

func (h *Handler) GetStats(c *gin.Context) {
	stats := map[string]any{
		"timestamp": time.Now().In(time.Local).Format(time.RFC3339),
	}

	if feeds, err := h.registry.ListFeeds(c.Request.Context()); err == nil {
		enabled := 0
		for _, f := range feeds {
			if f.Enabled {
				enabled++
			}
		}
		stats["feeds"] = len(feeds)
		stats["enabled_feeds"] = enabled
	} else {
		slog.Error("Database error", "operation", "list_feeds", "error", err)
	}

	if records, err := h.health.List(c.Request.Context()); err == nil {
		states := map[string]int{}
		for _, r := range records {
			states[string(r.State)]++
		}
		stats["health"] = states
	}

	if h.scheduler != nil {
		stats["scheduler"] = h.scheduler.Stats()
	}
	if h.workers != nil {
		stats["workers"] = h.workers.Stats()
	}

	c.JSON(http.StatusOK, stats)
}

func (h *Handler) ListFeedHealth(c *gin.Context) {
	records, err := h.health.List(c.Request.Context())
	if err != nil {
		slog.Error("Database error", "operation", "list_health", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	state := c.Query("state")
	out := make([]feedHealthResponse, 0, len(records))
	for _, r := range records {
		if state != "" && string(r.State) != state {
			continue
		}
		out = append(out, toFeedHealthResponse(r))
	}

	c.JSON(http.StatusOK, gin.H{
		"feeds": out,
		"total": len(out),
	})
}

func (h *Handler) APIListFeeds(c *gin.Context) {
	ctx := c.Request.Context()

	feeds, err := h.registry.ListFeeds(ctx)
	if err != nil {
		slog.Error("Database error", "operation", "list_feeds", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	out := make([]feedResponse, 0, len(feeds))
	for _, f := range feeds {
		count, err := h.items.CountItems(ctx, f.ID)
		if err != nil {
			slog.Warn("Failed to count items", "feed", f.ID, "error", err)
		}
		out = append(out, toFeedResponse(f, count))
	}

	c.JSON(http.StatusOK, gin.H{
		"feeds": out,
		"total": len(out),
	})
}

func (h *Handler) APIGetFeedDetails(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	f, err := h.registry.GetFeed(ctx, id)
	if err != nil {
		slog.Error("Database error", "operation", "get_feed", "feed", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	if f == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Feed not found"})
		return
	}

	limit := 20
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit parameter"})
			return
		}
		limit = n
	}

	items, err := h.items.ListItems(ctx, id, limit)
	if err != nil {
		slog.Error("Database error", "operation", "list_items", "feed", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	count, err := h.items.CountItems(ctx, id)
	if err != nil {
		slog.Warn("Failed to count items", "feed", id, "error", err)
	}

	recent := make([]itemResponse, 0, len(items))
	for _, item := range items {
		recent = append(recent, itemResponse{
			Fingerprint: item.Fingerprint,
			GUID:        item.GUID,
			Link:        item.Link,
			Title:       item.Title,
			PublishedAt: item.PublishedAt,
			Authors:     item.Authors,
			Categories:  item.Categories,
		})
	}

	response := gin.H{
		"feed":  toFeedResponse(*f, count),
		"items": recent,
	}

	record, err := h.health.Get(ctx, id)
	if err != nil {
		slog.Warn("Failed to load feed health", "feed", id, "error", err)
	} else if record != nil {
		response["health"] = toFeedHealthResponse(*record)
	}

	c.JSON(http.StatusOK, response)
}
