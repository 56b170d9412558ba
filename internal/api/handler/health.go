package handler

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/neuroscan/internal/api/response"
	"github.com/kiranshivaraju/neuroscan/internal/scan"
)

// Pinger is anything whose connectivity can be checked.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewHealthHandler checks database and cache connectivity and reports
// analyzer pool occupancy.
func NewHealthHandler(db, cache Pinger, stats func() scan.PoolStats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := cache.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		body := map[string]any{
			"status":   "ok",
			"services": checks,
		}
		if stats != nil {
			body["analyzer"] = stats()
		}
		response.JSON(w, body)
	}
}
