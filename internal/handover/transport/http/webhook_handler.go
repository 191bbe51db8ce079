package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/dukedataservice/handover/internal/handover/app"
)

// PipelineCallbackService consumes completion reports from the external
// copy pipeline.
type PipelineCallbackService interface {
	HandlePipelineCallback(ctx context.Context, result app.PipelineResult) error
}

var _ PipelineCallbackService = (*app.Orchestrator)(nil)

// WebhookHandler receives transfer-completion callbacks from the external
// copy pipeline. Callers must hold the transfer_poster group.
type WebhookHandler struct {
	orchestrator PipelineCallbackService
	logger       *slog.Logger
	validate     *validator.Validate
}

func NewWebhookHandler(orchestrator PipelineCallbackService, logger *slog.Logger, validate *validator.Validate) *WebhookHandler {
	return &WebhookHandler{
		orchestrator: orchestrator,
		logger:       logger,
		validate:     validate,
	}
}

// TransferComplete handles POST /transfers/complete.
func (h *WebhookHandler) TransferComplete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var reqDTO TransferCompleteRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&reqDTO); err != nil {
		h.logger.WarnContext(ctx, "Failed to decode pipeline callback", "error", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.StructCtx(ctx, reqDTO); err != nil {
		h.logger.WarnContext(ctx, "Validation failed for pipeline callback", "error", err)
		http.Error(w, fmt.Sprintf("Validation error: %s", err.Error()), http.StatusBadRequest)
		return
	}
	deliveryID, err := uuid.Parse(reqDTO.DeliveryID)
	if err != nil {
		http.Error(w, "Invalid delivery_id", http.StatusBadRequest)
		return
	}

	result := app.PipelineResult{
		DeliveryID:   deliveryID,
		TransferUUID: reqDTO.TransferUUID,
		ErrorMessage: reqDTO.ErrorMessage,
		Entries:      fromManifestEntryDTOs(reqDTO.Manifest),
	}
	if err := h.orchestrator.HandlePipelineCallback(ctx, result); err != nil {
		mapDomainErrorToHTTPStatus(w, h.logger, err, "TransferComplete")
		return
	}
	w.WriteHeader(http.StatusOK)
}
