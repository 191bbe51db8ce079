package http

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dukedataservice/handover/internal/handover/domain"
)

func postForm(router chi.Router, target, token string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestAcceptancePrompt_ShowsProjectAndActions(t *testing.T) {
	svc := new(MockDeliveryService)
	router := newTestRouter(svc, new(MockCallbackService))
	token := signTestToken(t, "u2", tokenOptions{})

	d := sampleDelivery(domain.BackendDDS, domain.DeliveryNotified)
	svc.On("GetByToken", mock.Anything, domain.BackendDDS, "token-1").Return(d, nil).Once()

	rr := doRequest(router, http.MethodGet, "/prompt?transfer_id=token-1&delivery_type=dds", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, "proj-1")
	assert.Contains(t, body, "u1 wants to deliver this project to you")
	assert.Contains(t, body, `name="transfer_id" value="token-1"`)
	svc.AssertExpectations(t)
}

func TestAcceptancePrompt_UnknownToken(t *testing.T) {
	svc := new(MockDeliveryService)
	router := newTestRouter(svc, new(MockCallbackService))
	token := signTestToken(t, "u2", tokenOptions{})

	svc.On("GetByToken", mock.Anything, domain.BackendDDS, "missing").
		Return(nil, domain.ErrNotFound).Once()

	rr := doRequest(router, http.MethodGet, "/prompt?transfer_id=missing&delivery_type=dds", token, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAcceptancePrompt_AmbiguousToken(t *testing.T) {
	svc := new(MockDeliveryService)
	router := newTestRouter(svc, new(MockCallbackService))
	token := signTestToken(t, "u2", tokenOptions{})

	svc.On("GetByToken", mock.Anything, domain.BackendDDS, "dup").
		Return(nil, domain.ErrDuplicateEntry).Once()

	rr := doRequest(router, http.MethodGet, "/prompt?transfer_id=dup&delivery_type=dds", token, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAcceptancePrompt_AlreadyProcessed(t *testing.T) {
	svc := new(MockDeliveryService)
	router := newTestRouter(svc, new(MockCallbackService))
	token := signTestToken(t, "u2", tokenOptions{})

	d := sampleDelivery(domain.BackendDDS, domain.DeliveryDeclined)
	svc.On("GetByToken", mock.Anything, domain.BackendDDS, "token-1").Return(d, nil).Once()

	rr := doRequest(router, http.MethodGet, "/prompt?transfer_id=token-1&delivery_type=dds", token, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "declined")
}

func TestAcceptancePrompt_RejectsUnknownDeliveryType(t *testing.T) {
	router := newTestRouter(new(MockDeliveryService), new(MockCallbackService))
	token := signTestToken(t, "u2", tokenOptions{})

	rr := doRequest(router, http.MethodGet, "/prompt?transfer_id=token-1&delivery_type=ftp", token, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestProcessResponse_AcceptDDSRedirectsToProject(t *testing.T) {
	svc := new(MockDeliveryService)
	router := newTestRouter(svc, new(MockCallbackService))
	token := signTestToken(t, "u2", tokenOptions{})

	d := sampleDelivery(domain.BackendDDS, domain.DeliveryNotified)
	accepted := sampleDelivery(domain.BackendDDS, domain.DeliveryAccepted)
	accepted.ID = d.ID
	svc.On("GetByToken", mock.Anything, domain.BackendDDS, "token-1").Return(d, nil).Once()
	svc.On("Accept", mock.Anything, d.ID, "u2").Return(accepted, nil).Once()

	rr := postForm(router, "/process", token, url.Values{
		"transfer_id":   {"token-1"},
		"delivery_type": {"dds"},
		"accept":        {"true"},
	})
	require.Equal(t, http.StatusFound, rr.Code)
	assert.Equal(t, "http://portal.test/projects/proj-1", rr.Header().Get("Location"))
	svc.AssertExpectations(t)
}

func TestProcessResponse_DDSRejectsWrongRecipient(t *testing.T) {
	svc := new(MockDeliveryService)
	router := newTestRouter(svc, new(MockCallbackService))
	token := signTestToken(t, "mallory", tokenOptions{})

	d := sampleDelivery(domain.BackendDDS, domain.DeliveryNotified)
	svc.On("GetByToken", mock.Anything, domain.BackendDDS, "token-1").Return(d, nil).Once()

	rr := postForm(router, "/process", token, url.Values{
		"transfer_id":   {"token-1"},
		"delivery_type": {"dds"},
		"accept":        {"true"},
	})
	require.Equal(t, http.StatusForbidden, rr.Code)
	svc.AssertNotCalled(t, "Accept", mock.Anything, mock.Anything, mock.Anything)
	svc.AssertExpectations(t)
}

func TestProcessResponse_AcceptS3ChecksS3Identity(t *testing.T) {
	svc := new(MockDeliveryService)
	router := newTestRouter(svc, new(MockCallbackService))

	d := sampleDelivery(domain.BackendS3, domain.DeliveryNotified)
	d.ToPrincipal = "s3-bob"

	// Matching registered s3 identity accepts and sees the in-progress page.
	token := signTestToken(t, "bob", tokenOptions{s3User: "s3-bob"})
	transferring := sampleDelivery(domain.BackendS3, domain.DeliveryTransferring)
	transferring.ID = d.ID
	svc.On("GetByToken", mock.Anything, domain.BackendS3, "token-1").Return(d, nil).Once()
	svc.On("Accept", mock.Anything, d.ID, "s3-bob").Return(transferring, nil).Once()

	rr := postForm(router, "/process", token, url.Values{
		"transfer_id":   {"token-1"},
		"delivery_type": {"s3"},
	})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "being")
	svc.AssertExpectations(t)
}

func TestProcessResponse_RejectsWrongRecipient(t *testing.T) {
	svc := new(MockDeliveryService)
	router := newTestRouter(svc, new(MockCallbackService))
	token := signTestToken(t, "eve", tokenOptions{})

	d := sampleDelivery(domain.BackendAzure, domain.DeliveryNotified)
	svc.On("GetByToken", mock.Anything, domain.BackendAzure, "token-1").Return(d, nil).Once()

	rr := postForm(router, "/process", token, url.Values{
		"transfer_id":   {"token-1"},
		"delivery_type": {"azure"},
	})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	svc.AssertNotCalled(t, "Accept", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessResponse_DeclineButtonShowsReasonForm(t *testing.T) {
	svc := new(MockDeliveryService)
	router := newTestRouter(svc, new(MockCallbackService))
	token := signTestToken(t, "u2", tokenOptions{})

	d := sampleDelivery(domain.BackendDDS, domain.DeliveryNotified)
	svc.On("GetByToken", mock.Anything, domain.BackendDDS, "token-1").Return(d, nil).Once()

	rr := postForm(router, "/process", token, url.Values{
		"transfer_id":   {"token-1"},
		"delivery_type": {"dds"},
		"decline":       {"true"},
	})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "Reason for declining")
	svc.AssertNotCalled(t, "Decline", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessDecline_EmptyReasonRerendersFormWith400(t *testing.T) {
	svc := new(MockDeliveryService)
	router := newTestRouter(svc, new(MockCallbackService))
	token := signTestToken(t, "u2", tokenOptions{})

	d := sampleDelivery(domain.BackendDDS, domain.DeliveryNotified)
	svc.On("GetByToken", mock.Anything, domain.BackendDDS, "token-1").Return(d, nil).Once()
	svc.On("Decline", mock.Anything, d.ID, "u2", "").
		Return(nil, fmt.Errorf("a decline reason is required: %w", domain.ErrValidation)).Once()

	rr := postForm(router, "/decline", token, url.Values{
		"transfer_id":    {"token-1"},
		"delivery_type":  {"dds"},
		"decline_reason": {""},
	})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, "You must specify a reason for declining this project.")
	assert.Contains(t, body, "Reason for declining")
	svc.AssertExpectations(t)
}

func TestProcessDecline_RedirectsOnSuccess(t *testing.T) {
	svc := new(MockDeliveryService)
	router := newTestRouter(svc, new(MockCallbackService))
	token := signTestToken(t, "u2", tokenOptions{})

	d := sampleDelivery(domain.BackendDDS, domain.DeliveryNotified)
	declined := sampleDelivery(domain.BackendDDS, domain.DeliveryDeclined)
	declined.ID = d.ID
	svc.On("GetByToken", mock.Anything, domain.BackendDDS, "token-1").Return(d, nil).Once()
	svc.On("Decline", mock.Anything, d.ID, "u2", "not my project").Return(declined, nil).Once()

	rr := postForm(router, "/decline", token, url.Values{
		"transfer_id":    {"token-1"},
		"delivery_type":  {"dds"},
		"decline_reason": {"not my project"},
	})
	require.Equal(t, http.StatusFound, rr.Code)
	assert.Equal(t, "/declined", rr.Header().Get("Location"))
	svc.AssertExpectations(t)
}

func TestAcceptancePages_RequireAuthentication(t *testing.T) {
	router := newTestRouter(new(MockDeliveryService), new(MockCallbackService))
	rr := doRequest(router, http.MethodGet, "/prompt?transfer_id=t&delivery_type=dds", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
