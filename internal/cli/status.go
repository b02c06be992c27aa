package cli

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rickgao/ovh-sniper/internal/model"
	"github.com/rickgao/ovh-sniper/internal/notify"
	"github.com/rickgao/ovh-sniper/internal/orchestrator"
	"github.com/rickgao/ovh-sniper/internal/poller"
	"github.com/rickgao/ovh-sniper/internal/version"
)

// statusResponse is the body of GET /status.
type statusResponse struct {
	Version      string                      `json:"version"`
	InstanceID   string                      `json:"instance_id"`
	Credential   credentialStatus            `json:"credential"`
	Targets      []targetStatus              `json:"targets"`
	Poller       []poller.TargetStatus       `json:"poller"`
	Orchestrator []orchestrator.WorkerStatus `json:"orchestrator"`
	Notify       notify.QueueStats           `json:"notify"`
	CatalogKnown int                         `json:"catalog_known,omitempty"`
}

type targetStatus struct {
	ID            string     `json:"id"`
	Target        string     `json:"target"`
	Options       string     `json:"options,omitempty"`
	State         string     `json:"state"`
	Active        bool       `json:"active"`
	AutoOrder     bool       `json:"auto_order"`
	Ordered       int        `json:"ordered"`
	Desired       int        `json:"desired"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
}

func newTargetStatus(t model.WatchTarget) targetStatus {
	return targetStatus{
		ID:            t.ID,
		Target:        t.DisplayName(),
		Options:       t.OptionsDisplay(),
		State:         string(t.LastKnownState),
		Active:        t.Active,
		AutoOrder:     t.AutoOrder,
		Ordered:       t.Ordered,
		Desired:       t.DesiredQuantity,
		CooldownUntil: t.CooldownUntil,
	}
}

// newStatusRouter serves /health, /status and the metrics endpoint.
func newStatusRouter(a *app) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		if a.pool != nil {
			if err := a.pool.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["postgres"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["postgres"] = "connected"
			}
		}

		if a.creds.IsValid() {
			health.Components["credential"] = "valid"
		} else {
			health.Components["credential"] = "rejected"
			if health.Status == "healthy" {
				health.Status = "degraded"
			}
		}
		health.Components["poller"] = map[string]int{"targets": len(a.poller.Status())}

		code := http.StatusOK
		if health.Status == "unhealthy" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, health)
	})

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		targets, err := a.store.List(req.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}

		resp := statusResponse{
			Version:      version.String(),
			InstanceID:   a.cfg.Instance.ID,
			Credential:   a.credentialStatus(),
			Targets:      make([]targetStatus, 0, len(targets)),
			Poller:       a.poller.Status(),
			Orchestrator: a.orch.Status(),
			Notify:       a.dispatcher.Stats(),
		}
		for _, t := range targets {
			resp.Targets = append(resp.Targets, newTargetStatus(t))
		}
		if a.catalog != nil {
			resp.CatalogKnown = a.catalog.Known()
		}
		writeJSON(w, http.StatusOK, resp)
	})

	r.Get("/status/{id}/attempts", func(w http.ResponseWriter, req *http.Request) {
		attempts, err := a.store.ListAttempts(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, attempts)
	})

	r.Method(http.MethodGet, a.cfg.Metrics.Path, a.metrics.Handler())

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
