package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/dukedataservice/handover/internal/handover/app"
)

// Pinger reports backing-store liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterConfig carries the dependencies the HTTP surface needs.
type RouterConfig struct {
	Service      DeliveryService
	Orchestrator PipelineCallbackService
	Links        app.Links
	AccessSecret string
	DB           Pinger
	Logger       *slog.Logger
}

// NewRouter assembles the full route tree: the JSON delivery API under
// /api/v1, the recipient acceptance pages at the root, the pipeline webhook,
// and an unauthenticated health check.
func NewRouter(cfg RouterConfig) chi.Router {
	validate := validator.New(validator.WithRequiredStructEnabled())
	deliveryHandler := NewDeliveryHandler(cfg.Service, cfg.Links, cfg.Logger, validate)
	acceptanceHandler := NewAcceptanceHandler(cfg.Service, cfg.Links, cfg.Logger)
	webhookHandler := NewWebhookHandler(cfg.Orchestrator, cfg.Logger, validate)

	authMW := AuthMiddleware(cfg.AccessSecret, cfg.Logger)
	posterMW := RequireGroup("transfer_poster", cfg.Logger)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if cfg.DB != nil {
			if err := cfg.DB.Ping(req.Context()); err != nil {
				cfg.Logger.ErrorContext(req.Context(), "Health check failed", "error", err)
				http.Error(w, "Service unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Recipient-facing acceptance pages reached from delivery emails.
	r.Group(func(pages chi.Router) {
		pages.Use(authMW)
		pages.Get("/prompt", acceptanceHandler.ShowPrompt)
		pages.Post("/process", acceptanceHandler.ProcessResponse)
		pages.Post("/decline", acceptanceHandler.ProcessDecline)
		pages.Get("/accepted", acceptanceHandler.ShowAccepted)
		pages.Get("/declined", acceptanceHandler.ShowDeclined)
	})

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Use(authMW)

		v1.Route("/deliveries", func(dr chi.Router) {
			dr.Post("/", deliveryHandler.CreateDelivery)
			dr.Get("/", deliveryHandler.ListDeliveries)
			dr.Get("/summary", deliveryHandler.GetSummary)
			dr.Route("/{deliveryID}", func(ir chi.Router) {
				ir.Get("/", deliveryHandler.GetDelivery)
				ir.Patch("/", deliveryHandler.UpdateDelivery)
				ir.Delete("/", deliveryHandler.DeleteDelivery)
				ir.Post("/send", deliveryHandler.SendDelivery)
				ir.Post("/cancel", deliveryHandler.CancelDelivery)
				ir.Post("/restart", deliveryHandler.RestartDelivery)
				ir.Get("/manifest", deliveryHandler.GetManifest)
				ir.Get("/errors", deliveryHandler.GetDeliveryErrors)
			})
		})

		v1.With(posterMW).Post("/transfers/complete", webhookHandler.TransferComplete)
	})

	return r
}
