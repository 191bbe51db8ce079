package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukedataservice/handover/internal/handover/domain"
)

const pipelineUserAgent = "duke-data-delivery/2.0.0"

// PipelineRequest is the outbound webhook body that starts an azure transfer
// run. Field names match the pipeline's contract.
type PipelineRequest struct {
	SourceStorageAccount string `json:"Source_StorageAccount"`
	SourceFileSystem     string `json:"Source_FileSystem"`
	SourceTopLevelFolder string `json:"Source_TopLevelFolder"`
	SinkStorageAccount   string `json:"Sink_StorageAccount"`
	SinkFileSystem       string `json:"Sink_FileSystem"`
	SinkTopLevelFolder   string `json:"Sink_TopLevelFolder"`
	WebhookDeliveryID    string `json:"Webhook_DeliveryID"`
	WebhookTransferUUID  string `json:"Webhook_TransferUUID"`
}

// PipelineClient invokes the external azure transfer pipeline. Completion
// arrives later as an inbound webhook handled by the orchestrator.
type PipelineClient struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

func NewPipelineClient(url string, logger *slog.Logger) *PipelineClient {
	return &PipelineClient{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// Start submits a transfer run. Source and dest must be azure refs;
// transferUUID correlates the eventual completion callback.
func (c *PipelineClient) Start(ctx context.Context, source, dest domain.StorageRef, deliveryID, transferUUID string) error {
	src, err := ParseAzureContainer(source.Container)
	if err != nil {
		return domain.NewBackendError("pipeline_start", domain.BackendPermanent, err)
	}
	dst, err := ParseAzureContainer(dest.Container)
	if err != nil {
		return domain.NewBackendError("pipeline_start", domain.BackendPermanent, err)
	}

	body := PipelineRequest{
		SourceStorageAccount: src.StorageAccount,
		SourceFileSystem:     src.FileSystem,
		SourceTopLevelFolder: source.Path,
		SinkStorageAccount:   dst.StorageAccount,
		SinkFileSystem:       dst.FileSystem,
		SinkTopLevelFolder:   dest.Path,
		WebhookDeliveryID:    deliveryID,
		WebhookTransferUUID:  transferUUID,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal pipeline request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return domain.NewBackendError("pipeline_start", domain.BackendPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("user-agent", pipelineUserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.NewBackendError("pipeline_start", domain.BackendTransient, err)
	}
	defer resp.Body.Close()

	if err := classifyHTTPStatus("pipeline_start", resp.StatusCode); err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "Transfer pipeline invoked",
		"delivery_id", deliveryID, "transfer_uuid", transferUUID,
		"source_account", src.StorageAccount, "sink_account", dst.StorageAccount)
	return nil
}
