package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/dukedataservice/handover/internal/handover/app"
	"github.com/dukedataservice/handover/internal/handover/domain"
)

// DeliveryService is the slice of the application service the HTTP
// surface depends on.
type DeliveryService interface {
	Create(ctx context.Context, input app.CreateDeliveryInput) (*domain.Delivery, error)
	Get(ctx context.Context, id uuid.UUID, principal string) (*domain.Delivery, error)
	GetByToken(ctx context.Context, backend domain.BackendKind, token string) (*domain.Delivery, error)
	List(ctx context.Context, filter domain.DeliveryFilter) ([]*domain.Delivery, int, error)
	Update(ctx context.Context, id uuid.UUID, principal string, input app.UpdateDeliveryInput) (*domain.Delivery, error)
	Delete(ctx context.Context, id uuid.UUID, principal string) error
	Send(ctx context.Context, id uuid.UUID, force bool) (*domain.Delivery, error)
	Cancel(ctx context.Context, id uuid.UUID, performedBy string) (*domain.Delivery, error)
	Restart(ctx context.Context, id uuid.UUID, performedBy string) (*domain.Delivery, error)
	Accept(ctx context.Context, id uuid.UUID, actingPrincipal string) (*domain.Delivery, error)
	Decline(ctx context.Context, id uuid.UUID, actingPrincipal, reason string) (*domain.Delivery, error)
	Summary(ctx context.Context, principal string) (map[domain.DeliveryState]int, error)
	Manifest(ctx context.Context, id uuid.UUID, principal string) ([]domain.ManifestEntry, string, error)
	Errors(ctx context.Context, id uuid.UUID, principal string) ([]*domain.DeliveryError, error)
}

var _ DeliveryService = (*app.DeliveryService)(nil)

// DeliveryHandler is the external API facade over the delivery service:
// CRUD scoped to the requesting principal plus the send/cancel/restart
// actions and the summary, manifest and error views.
type DeliveryHandler struct {
	service  DeliveryService
	links    app.Links
	logger   *slog.Logger
	validate *validator.Validate
}

func NewDeliveryHandler(service DeliveryService, links app.Links, logger *slog.Logger, validate *validator.Validate) *DeliveryHandler {
	return &DeliveryHandler{
		service:  service,
		links:    links,
		logger:   logger,
		validate: validate,
	}
}

// mapDomainErrorToHTTPStatus writes the HTTP response for a core error.
func mapDomainErrorToHTTPStatus(w http.ResponseWriter, logger *slog.Logger, err error, operation string) {
	ctxLogger := logger.With("operation", operation, "error", err)

	var tm *domain.TemplateMissingError
	var be *domain.BackendError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		ctxLogger.Warn("Resource not found")
		http.Error(w, "Not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrForbidden):
		ctxLogger.Warn("Forbidden")
		http.Error(w, "Forbidden", http.StatusForbidden)
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrAlreadyInProgress),
		errors.Is(err, domain.ErrInvalidStateTransition),
		errors.Is(err, domain.ErrActiveDeliveryExists),
		errors.Is(err, domain.ErrTemplateNotConfigured),
		errors.Is(err, domain.ErrDuplicateEntry),
		errors.As(err, &tm):
		ctxLogger.Warn("Request rejected")
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrConcurrentUpdate):
		ctxLogger.Warn("Concurrent update")
		http.Error(w, "The delivery was modified concurrently; retry the request", http.StatusConflict)
	case errors.As(err, &be):
		if be.Kind == domain.BackendTransient || be.Kind == domain.BackendUnavailable {
			ctxLogger.Error("Backend unavailable")
			http.Error(w, "Storage backend unavailable", http.StatusServiceUnavailable)
			return
		}
		ctxLogger.Error("Backend operation failed")
		http.Error(w, "Storage backend rejected the operation", http.StatusBadGateway)
	default:
		ctxLogger.Error("Unhandled error")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (h *DeliveryHandler) respondJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.ErrorContext(r.Context(), "Failed to encode response",
			"error", err, "request_id", chimiddleware.GetReqID(r.Context()))
	}
}

func (h *DeliveryHandler) principal(w http.ResponseWriter, r *http.Request) (AuthenticatedPrincipal, bool) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		h.logger.ErrorContext(r.Context(), "AuthenticatedPrincipal not found in context")
		http.Error(w, "User authentication details not found", http.StatusUnauthorized)
	}
	return principal, ok
}

func (h *DeliveryHandler) deliveryID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "deliveryID"))
	if err != nil {
		http.Error(w, "Invalid delivery id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func (h *DeliveryHandler) CreateDelivery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	var reqDTO CreateDeliveryRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&reqDTO); err != nil {
		h.logger.WarnContext(ctx, "Failed to decode request body for CreateDelivery", "error", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.StructCtx(ctx, reqDTO); err != nil {
		h.logger.WarnContext(ctx, "Validation failed for CreateDelivery", "error", err)
		http.Error(w, fmt.Sprintf("Validation error: %s", err.Error()), http.StatusBadRequest)
		return
	}
	templateSetID, err := parseUUIDField(reqDTO.TemplateSetID)
	if err != nil {
		http.Error(w, "Invalid template_set_id", http.StatusBadRequest)
		return
	}

	input := app.CreateDeliveryInput{
		Backend:       reqDTO.Backend,
		Source:        domain.StorageRef{Container: reqDTO.Source.Container, Path: reqDTO.Source.Path},
		Sender:        principal.NetID,
		Recipient:     reqDTO.Recipient,
		UserMessage:   reqDTO.UserMessage,
		TemplateSetID: templateSetID,
	}
	if reqDTO.Destination != nil {
		input.Destination = &domain.StorageRef{Container: reqDTO.Destination.Container, Path: reqDTO.Destination.Path}
	}
	for _, su := range reqDTO.ShareUsers {
		input.ShareUsers = append(input.ShareUsers, domain.ShareUser{Principal: su.Principal, Role: su.Role})
	}

	d, err := h.service.Create(ctx, input)
	if err != nil {
		mapDomainErrorToHTTPStatus(w, h.logger, err, "CreateDelivery")
		return
	}
	h.respondJSON(w, r, http.StatusCreated, toDeliveryDTO(d, h.links))
}

func (h *DeliveryHandler) GetDelivery(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, ok := h.deliveryID(w, r)
	if !ok {
		return
	}
	d, err := h.service.Get(r.Context(), id, principal.NetID)
	if err != nil {
		mapDomainErrorToHTTPStatus(w, h.logger, err, "GetDelivery")
		return
	}
	h.respondJSON(w, r, http.StatusOK, toDeliveryDTO(d, h.links))
}

func (h *DeliveryHandler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	filter := domain.DeliveryFilter{Principal: principal.NetID}
	if backend := r.URL.Query().Get("backend"); backend != "" {
		filter.Backend = domain.BackendKind(backend)
	}
	if state := r.URL.Query().Get("state"); state != "" {
		filter.State = domain.DeliveryState(state)
	}
	if pageSize := r.URL.Query().Get("page_size"); pageSize != "" {
		if n, err := strconv.Atoi(pageSize); err == nil {
			filter.PageSize = n
		}
	}
	if page := r.URL.Query().Get("page"); page != "" {
		if n, err := strconv.Atoi(page); err == nil {
			filter.Page = n
		}
	}

	deliveries, total, err := h.service.List(r.Context(), filter)
	if err != nil {
		mapDomainErrorToHTTPStatus(w, h.logger, err, "ListDeliveries")
		return
	}
	resp := DeliveryListResponseDTO{Deliveries: make([]DeliveryDTO, 0, len(deliveries)), Total: total}
	for _, d := range deliveries {
		resp.Deliveries = append(resp.Deliveries, toDeliveryDTO(d, h.links))
	}
	h.respondJSON(w, r, http.StatusOK, resp)
}

func (h *DeliveryHandler) UpdateDelivery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, ok := h.deliveryID(w, r)
	if !ok {
		return
	}

	var reqDTO UpdateDeliveryRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&reqDTO); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.StructCtx(ctx, reqDTO); err != nil {
		http.Error(w, fmt.Sprintf("Validation error: %s", err.Error()), http.StatusBadRequest)
		return
	}
	templateSetID, err := parseUUIDField(reqDTO.TemplateSetID)
	if err != nil {
		http.Error(w, "Invalid template_set_id", http.StatusBadRequest)
		return
	}

	input := app.UpdateDeliveryInput{
		UserMessage:   reqDTO.UserMessage,
		TemplateSetID: templateSetID,
	}
	if reqDTO.Destination != nil {
		input.Destination = &domain.StorageRef{Container: reqDTO.Destination.Container, Path: reqDTO.Destination.Path}
	}
	for _, su := range reqDTO.ShareUsers {
		input.ShareUsers = append(input.ShareUsers, domain.ShareUser{Principal: su.Principal, Role: su.Role})
	}

	d, err := h.service.Update(ctx, id, principal.NetID, input)
	if err != nil {
		mapDomainErrorToHTTPStatus(w, h.logger, err, "UpdateDelivery")
		return
	}
	h.respondJSON(w, r, http.StatusOK, toDeliveryDTO(d, h.links))
}

func (h *DeliveryHandler) DeleteDelivery(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, ok := h.deliveryID(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), id, principal.NetID); err != nil {
		mapDomainErrorToHTTPStatus(w, h.logger, err, "DeleteDelivery")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DeliveryHandler) SendDelivery(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, ok := h.deliveryID(w, r)
	if !ok {
		return
	}
	if _, err := h.service.Get(r.Context(), id, principal.NetID); err != nil {
		mapDomainErrorToHTTPStatus(w, h.logger, err, "SendDelivery")
		return
	}
	force := r.URL.Query().Get("force") == "true"
	d, err := h.service.Send(r.Context(), id, force)
	if err != nil {
		mapDomainErrorToHTTPStatus(w, h.logger, err, "SendDelivery")
		return
	}
	h.respondJSON(w, r, http.StatusOK, toDeliveryDTO(d, h.links))
}

func (h *DeliveryHandler) CancelDelivery(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, ok := h.deliveryID(w, r)
	if !ok {
		return
	}
	if _, err := h.service.Get(r.Context(), id, principal.NetID); err != nil {
		mapDomainErrorToHTTPStatus(w, h.logger, err, "CancelDelivery")
		return
	}
	d, err := h.service.Cancel(r.Context(), id, principal.NetID)
	if err != nil {
		mapDomainErrorToHTTPStatus(w, h.logger, err, "CancelDelivery")
		return
	}
	h.respondJSON(w, r, http.StatusOK, toDeliveryDTO(d, h.links))
}

func (h *DeliveryHandler) RestartDelivery(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, ok := h.deliveryID(w, r)
	if !ok {
		return
	}
	if _, err := h.service.Get(r.Context(), id, principal.NetID); err != nil {
		mapDomainErrorToHTTPStatus(w, h.logger, err, "RestartDelivery")
		return
	}
	d, err := h.service.Restart(r.Context(), id, principal.NetID)
	if err != nil {
		mapDomainErrorToHTTPStatus(w, h.logger, err, "RestartDelivery")
		return
	}
	h.respondJSON(w, r, http.StatusOK, toDeliveryDTO(d, h.links))
}

func (h *DeliveryHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	counts, err := h.service.Summary(r.Context(), principal.NetID)
	if err != nil {
		mapDomainErrorToHTTPStatus(w, h.logger, err, "GetSummary")
		return
	}
	resp := SummaryResponseDTO{Counts: map[string]int{}}
	for state, n := range counts {
		resp.Counts[string(state)] = n
	}
	h.respondJSON(w, r, http.StatusOK, resp)
}

func (h *DeliveryHandler) GetManifest(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, ok := h.deliveryID(w, r)
	if !ok {
		return
	}
	entries, status, err := h.service.Manifest(r.Context(), id, principal.NetID)
	if err != nil {
		mapDomainErrorToHTTPStatus(w, h.logger, err, "GetManifest")
		return
	}
	h.respondJSON(w, r, http.StatusOK, ManifestResponseDTO{
		Status:  status,
		Entries: toManifestEntryDTOs(entries),
	})
}

func (h *DeliveryHandler) GetDeliveryErrors(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, ok := h.deliveryID(w, r)
	if !ok {
		return
	}
	journal, err := h.service.Errors(r.Context(), id, principal.NetID)
	if err != nil {
		mapDomainErrorToHTTPStatus(w, h.logger, err, "GetDeliveryErrors")
		return
	}
	out := make([]DeliveryErrorDTO, 0, len(journal))
	for _, e := range journal {
		out = append(out, DeliveryErrorDTO{Message: e.Message, CreatedAt: e.CreatedAt})
	}
	h.respondJSON(w, r, http.StatusOK, out)
}
