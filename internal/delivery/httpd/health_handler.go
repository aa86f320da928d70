package httpd

import (
	"context"
	"net/http"
	"time"

	"github.com/Edwinexd/vival/internal/models"
	"github.com/Edwinexd/vival/pkg/utils"
)

const healthCheckTimeout = 2 * time.Second

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := models.HealthCheckResponse{
		Status:   "healthy",
		Services: make(map[string]string, len(h.healthChecks)),
	}

	for name, check := range h.healthChecks {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := check(ctx)
		cancel()

		if err != nil {
			h.logger.Warn().Err(err).Str("dependency", name).Msg("Health check failed")
			resp.Services[name] = "unhealthy"
			resp.Status = "degraded"
			continue
		}
		resp.Services[name] = "healthy"
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	utils.WriteJSON(w, status, resp)
}
