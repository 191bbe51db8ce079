package http

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dukedataservice/handover/internal/handover/app"
	"github.com/dukedataservice/handover/internal/handover/domain"
)

func TestWebhook_RequiresPosterGroup(t *testing.T) {
	cb := new(MockCallbackService)
	router := newTestRouter(new(MockDeliveryService), cb)
	token := signTestToken(t, "pipeline", tokenOptions{groups: []string{"some_other_group"}})

	body := []byte(fmt.Sprintf(`{"delivery_id":%q,"transfer_uuid":"tu-1"}`, uuid.New()))
	rr := doRequest(router, http.MethodPost, "/api/v1/transfers/complete", token, body)

	assert.Equal(t, http.StatusForbidden, rr.Code)
	cb.AssertNotCalled(t, "HandlePipelineCallback", mock.Anything, mock.Anything)
}

func TestWebhook_ForwardsResultToOrchestrator(t *testing.T) {
	cb := new(MockCallbackService)
	router := newTestRouter(new(MockDeliveryService), cb)
	token := signTestToken(t, "pipeline", tokenOptions{groups: []string{"transfer_poster"}})

	deliveryID := uuid.New()
	cb.On("HandlePipelineCallback", mock.Anything, mock.MatchedBy(func(result app.PipelineResult) bool {
		return result.DeliveryID == deliveryID &&
			result.TransferUUID == "tu-1" &&
			result.ErrorMessage == "" &&
			len(result.Entries) == 1 &&
			result.Entries[0].Key == "data/a.fastq"
	})).Return(nil).Once()

	body := []byte(fmt.Sprintf(
		`{"delivery_id":%q,"transfer_uuid":"tu-1","manifest":[{"key":"data/a.fastq","content_length":128,"content_md5":"abc123"}]}`,
		deliveryID))
	rr := doRequest(router, http.MethodPost, "/api/v1/transfers/complete", token, body)

	assert.Equal(t, http.StatusOK, rr.Code)
	cb.AssertExpectations(t)
}

func TestWebhook_StaleTransferUUIDMapsTo400(t *testing.T) {
	cb := new(MockCallbackService)
	router := newTestRouter(new(MockDeliveryService), cb)
	token := signTestToken(t, "pipeline", tokenOptions{groups: []string{"transfer_poster"}})

	cb.On("HandlePipelineCallback", mock.Anything, mock.Anything).
		Return(fmt.Errorf("transfer uuid does not match the active transfer: %w", domain.ErrValidation)).Once()

	body := []byte(fmt.Sprintf(`{"delivery_id":%q,"transfer_uuid":"stale"}`, uuid.New()))
	rr := doRequest(router, http.MethodPost, "/api/v1/transfers/complete", token, body)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	cb.AssertExpectations(t)
}

func TestWebhook_RejectsMalformedBody(t *testing.T) {
	cb := new(MockCallbackService)
	router := newTestRouter(new(MockDeliveryService), cb)
	token := signTestToken(t, "pipeline", tokenOptions{groups: []string{"transfer_poster"}})

	for _, body := range []string{
		`not json`,
		`{"transfer_uuid":"tu-1"}`,
		`{"delivery_id":"not-a-uuid","transfer_uuid":"tu-1"}`,
	} {
		rr := doRequest(router, http.MethodPost, "/api/v1/transfers/complete", token, []byte(body))
		assert.Equal(t, http.StatusBadRequest, rr.Code, "body: %s", body)
	}
	cb.AssertNotCalled(t, "HandlePipelineCallback", mock.Anything, mock.Anything)
}
