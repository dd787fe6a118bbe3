package handler

import (
	"context"
	"net/http"

	"github.com/hubforge/hubforge/internal/api/middleware"
	"github.com/hubforge/hubforge/internal/api/response"
)

// DBPinger checks database connectivity.
type DBPinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports service and database health.
type HealthHandler struct {
	db      DBPinger
	version string
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(db DBPinger, version string) *HealthHandler {
	return &HealthHandler{db: db, version: version}
}

// ServeHTTP handles GET /health.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	status := "ok"
	dbStatus := "up"
	code := http.StatusOK
	if err := h.db.Ping(r.Context()); err != nil {
		status = "degraded"
		dbStatus = "down"
		code = http.StatusServiceUnavailable
	}

	response.Success(w, code, map[string]string{
		"status":   status,
		"database": dbStatus,
		"version":  h.version,
	}, requestID)
}
