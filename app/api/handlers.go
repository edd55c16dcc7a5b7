package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lysyi3m/job-importer/app/database"
)

func NewHandler(jobStore database.JobStore, ledger database.RunLedger, q QueueInspector, version string) *Handler {
	return &Handler{
		jobStore: jobStore,
		ledger:   ledger,
		queue:    q,
		version:  version,
		now:      time.Now,
	}
}

func (h *Handler) GetHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"version":   h.version,
		"timestamp": h.now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) ListImportLogs(c *gin.Context) {
	page := queryInt(c, "page", 1)
	limit := min(queryInt(c, "limit", defaultPageLimit), maxPageLimit)

	ctx := c.Request.Context()

	total, err := h.ledger.Count(ctx)
	if err != nil {
		slog.Error("Database error", "operation", "count_import_logs", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	logs, err := h.ledger.List(ctx, page, limit)
	if err != nil {
		slog.Error("Database error", "operation", "list_import_logs", "page", page, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	items := make([]importLogResponse, 0, len(logs))
	for _, l := range logs {
		items = append(items, toImportLogResponse(l))
	}

	c.JSON(http.StatusOK, importLogListResponse{
		Items: items,
		Pagination: pagination{
			Page:       page,
			Limit:      limit,
			Total:      total,
			TotalPages: (total + limit - 1) / limit,
		},
	})
}

func (h *Handler) GetImportLog(c *gin.Context) {
	id := c.Param("id")

	log, err := h.ledger.Get(c.Request.Context(), id)
	if err != nil {
		slog.Error("Database error", "operation", "get_import_log", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	if log == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Import log not found"})
		return
	}

	c.JSON(http.StatusOK, toImportLogResponse(*log))
}

func (h *Handler) GetStats(c *gin.Context) {
	ctx := c.Request.Context()

	jobs, err := h.jobStore.Count(ctx)
	if err != nil {
		slog.Error("Database error", "operation", "count_jobs", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	runs, err := h.ledger.Count(ctx)
	if err != nil {
		slog.Error("Database error", "operation", "count_import_logs", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	stats := gin.H{
		"jobs":       jobs,
		"importLogs": runs,
	}

	// queue stats are best effort
	if qs, err := h.queue.Stats(ctx); err == nil {
		stats["queue"] = qs
	} else {
		slog.Warn("Failed to read queue stats", "error", err)
	}

	c.JSON(http.StatusOK, stats)
}

func (h *Handler) ListDeadLetters(c *gin.Context) {
	letters, err := h.queue.DeadLetters(c.Request.Context(), deadLetterLimit)
	if err != nil {
		slog.Error("Queue error", "operation", "dead_letters", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Queue error"})
		return
	}

	items := make([]deadLetterResponse, 0, len(letters))
	for _, l := range letters {
		items = append(items, deadLetterResponse{
			ID:        l.ID,
			Name:      l.Name,
			Attempts:  l.Attempts,
			LastError: l.LastError,
			DiedAt:    l.DiedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"items": items,
		"total": len(items),
	})
}

// queryInt falls back for missing, malformed or non-positive values.
func queryInt(c *gin.Context, key string, fallback int) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
