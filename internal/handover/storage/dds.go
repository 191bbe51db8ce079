package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukedataservice/handover/internal/handover/domain"
)

// DDSAdapter talks to the data-service API. Transfers are atomic inside the
// backend: the service creates a project_transfer at delivery creation and
// accepts, rejects, or cancels it through the token.
type DDSAdapter struct {
	unsupportedOps
	baseURL  string
	agentKey string
	client   *http.Client
	logger   *slog.Logger
}

func NewDDSAdapter(baseURL, agentKey string, logger *slog.Logger) *DDSAdapter {
	return &DDSAdapter{
		unsupportedOps: unsupportedOps{kind: domain.BackendDDS},
		baseURL:        baseURL,
		agentKey:       agentKey,
		client:         &http.Client{Timeout: 30 * time.Second},
		logger:         logger,
	}
}

func (a *DDSAdapter) Kind() domain.BackendKind { return domain.BackendDDS }

func (a *DDSAdapter) VerifySourceOwnership(ctx context.Context, source domain.StorageRef, sender string) (bool, error) {
	var perm struct {
		AuthRole struct {
			ID string `json:"id"`
		} `json:"auth_role"`
	}
	path := fmt.Sprintf("/projects/%s/permissions/%s", source.Container, sender)
	if err := a.doJSON(ctx, http.MethodGet, path, nil, &perm); err != nil {
		var be *domain.BackendError
		if errors.As(err, &be) && be.Kind == domain.BackendNotFound {
			return false, nil
		}
		return false, err
	}
	return perm.AuthRole.ID == "project_admin", nil
}

func (a *DDSAdapter) CreateBackendTransfer(ctx context.Context, source domain.StorageRef, recipient string, deliveryID string) (string, error) {
	body := map[string]any{
		"to_users": []map[string]string{{"id": recipient}},
	}
	var created struct {
		ID string `json:"id"`
	}
	path := fmt.Sprintf("/projects/%s/transfers", source.Container)
	if err := a.doJSON(ctx, http.MethodPost, path, body, &created); err != nil {
		return "", err
	}
	a.logger.InfoContext(ctx, "DDS project transfer created", "project", source.Container, "transfer_id", created.ID)
	return created.ID, nil
}

func (a *DDSAdapter) Accept(ctx context.Context, token string) error {
	return a.doJSON(ctx, http.MethodPut, fmt.Sprintf("/project_transfers/%s/accept", token), nil, nil)
}

func (a *DDSAdapter) Decline(ctx context.Context, token, reason string) error {
	body := map[string]string{"status_comment": reason}
	return a.doJSON(ctx, http.MethodPut, fmt.Sprintf("/project_transfers/%s/reject", token), body, nil)
}

func (a *DDSAdapter) Cancel(ctx context.Context, token string) error {
	return a.doJSON(ctx, http.MethodPut, fmt.Sprintf("/project_transfers/%s/cancel", token), nil, nil)
}

func (a *DDSAdapter) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return domain.NewBackendError(path, domain.BackendPermanent, err)
	}
	req.Header.Set("Authorization", a.agentKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return domain.NewBackendError(path, domain.BackendTransient, err)
	}
	defer resp.Body.Close()

	if err := classifyHTTPStatus(path, resp.StatusCode); err != nil {
		return err
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return domain.NewBackendError(path, domain.BackendPermanent, fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}

// classifyHTTPStatus maps an HTTP status to the backend error taxonomy.
// 2xx is success; 5xx is transient; the rest are terminal.
func classifyHTTPStatus(op string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized:
		return domain.NewBackendError(op, domain.BackendAuthFailure, fmt.Errorf("status %d", status))
	case status == http.StatusForbidden:
		return domain.NewBackendError(op, domain.BackendPermissionDenied, fmt.Errorf("status %d", status))
	case status == http.StatusNotFound:
		return domain.NewBackendError(op, domain.BackendNotFound, fmt.Errorf("status %d", status))
	case status >= 500:
		return domain.NewBackendError(op, domain.BackendTransient, fmt.Errorf("status %d", status))
	default:
		return domain.NewBackendError(op, domain.BackendPermanent, fmt.Errorf("status %d", status))
	}
}
