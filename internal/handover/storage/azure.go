package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dukedataservice/handover/internal/handover/domain"
)

// AzureRef is the parsed form of an azure StorageRef container URL, e.g.
// https://theaccount.dfs.core.windows.net/thefilesystem.
type AzureRef struct {
	StorageAccount string
	FileSystem     string
}

// ParseAzureContainer splits a Data Lake file-system URL into its storage
// account and file-system names.
func ParseAzureContainer(container string) (AzureRef, error) {
	u, err := url.Parse(container)
	if err != nil {
		return AzureRef{}, fmt.Errorf("parse container url %q: %w", container, err)
	}
	account, _, found := strings.Cut(u.Hostname(), ".")
	fileSystem := strings.Trim(u.Path, "/")
	if !found || account == "" || fileSystem == "" {
		return AzureRef{}, fmt.Errorf("container url %q is not an account/file-system url", container)
	}
	return AzureRef{StorageAccount: account, FileSystem: fileSystem}, nil
}

// AzureAdapter drives a Data Lake file system through the SaaS management
// API. Bulk data movement itself happens in the external transfer pipeline;
// this adapter covers listing, ACLs, ownership, and renames.
type AzureAdapter struct {
	unsupportedOps
	saasURL string
	saasKey string
	client  *http.Client
	logger  *slog.Logger
}

func NewAzureAdapter(saasURL, saasKey string, logger *slog.Logger) *AzureAdapter {
	return &AzureAdapter{
		unsupportedOps: unsupportedOps{kind: domain.BackendAzure},
		saasURL:        saasURL,
		saasKey:        saasKey,
		client:         &http.Client{Timeout: 60 * time.Second},
		logger:         logger,
	}
}

func (a *AzureAdapter) Kind() domain.BackendKind { return domain.BackendAzure }

type azurePathRequest struct {
	StorageAccount string `json:"storage_account"`
	FileSystem     string `json:"file_system"`
	Path           string `json:"path"`
}

func azurePath(ref domain.StorageRef) (azurePathRequest, error) {
	parsed, err := ParseAzureContainer(ref.Container)
	if err != nil {
		return azurePathRequest{}, domain.NewBackendError("parse_container", domain.BackendPermanent, err)
	}
	return azurePathRequest{
		StorageAccount: parsed.StorageAccount,
		FileSystem:     parsed.FileSystem,
		Path:           ref.Path,
	}, nil
}

func (a *AzureAdapter) VerifySourceOwnership(ctx context.Context, source domain.StorageRef, sender string) (bool, error) {
	req, err := azurePath(source)
	if err != nil {
		return false, err
	}
	var out struct {
		Owner string `json:"owner"`
	}
	if err := a.doJSON(ctx, "/paths/owner/get", req, &out); err != nil {
		return false, err
	}
	return out.Owner == sender, nil
}

// CreateBackendTransfer returns the delivery's own id; azure acceptance URLs
// carry it directly.
func (a *AzureAdapter) CreateBackendTransfer(ctx context.Context, source domain.StorageRef, recipient string, deliveryID string) (string, error) {
	return deliveryID, nil
}

func (a *AzureAdapter) SnapshotManifest(ctx context.Context, source domain.StorageRef) ([]domain.ManifestEntry, error) {
	req, err := azurePath(source)
	if err != nil {
		return nil, err
	}
	// Recursive listing; the SaaS API returns files only (no directory rows).
	var out struct {
		Paths []struct {
			Name          string `json:"name"`
			ContentLength int64  `json:"content_length"`
			ContentType   string `json:"content_type"`
			ContentMD5    string `json:"content_md5"` // hex
			LastModified  string `json:"last_modified"`
		} `json:"paths"`
	}
	if err := a.doJSON(ctx, "/paths/list", req, &out); err != nil {
		return nil, err
	}
	entries := make([]domain.ManifestEntry, 0, len(out.Paths))
	for _, p := range out.Paths {
		entries = append(entries, domain.ManifestEntry{
			Key:           p.Name,
			ContentLength: p.ContentLength,
			ContentType:   p.ContentType,
			ContentMD5:    p.ContentMD5,
			LastModified:  p.LastModified,
		})
	}
	return entries, nil
}

func (a *AzureAdapter) DestinationExists(ctx context.Context, dest domain.StorageRef) (bool, error) {
	req, err := azurePath(dest)
	if err != nil {
		return false, err
	}
	var out struct {
		Exists bool `json:"exists"`
	}
	if err := a.doJSON(ctx, "/paths/exists", req, &out); err != nil {
		return false, err
	}
	return out.Exists, nil
}

// MoveOrCopyDirectory relocates a top-level folder. Within one file system
// this is a rename; across file systems the SaaS side runs its copy tool.
func (a *AzureAdapter) MoveOrCopyDirectory(ctx context.Context, source, dest domain.StorageRef) error {
	src, err := azurePath(source)
	if err != nil {
		return err
	}
	dst, err := azurePath(dest)
	if err != nil {
		return err
	}
	body := map[string]any{"source": src, "destination": dst}
	endpoint := "/paths/copy"
	if src.StorageAccount == dst.StorageAccount && src.FileSystem == dst.FileSystem {
		endpoint = "/paths/rename"
	}
	return a.doJSON(ctx, endpoint, body, nil)
}

// AddACL grants the permission (with a matching default ACL for new children)
// to the principal on the destination tree.
func (a *AzureAdapter) AddACL(ctx context.Context, dest domain.StorageRef, principal, permission string) error {
	req, err := azurePath(dest)
	if err != nil {
		return err
	}
	body := map[string]any{
		"storage_account": req.StorageAccount,
		"file_system":     req.FileSystem,
		"path":            req.Path,
		"principal":       principal,
		"permissions":     permission,
		"default_acl":     true,
	}
	return a.doJSON(ctx, "/paths/acl", body, nil)
}

func (a *AzureAdapter) SetOwner(ctx context.Context, dest domain.StorageRef, principal string) error {
	req, err := azurePath(dest)
	if err != nil {
		return err
	}
	body := map[string]any{
		"storage_account": req.StorageAccount,
		"file_system":     req.FileSystem,
		"path":            req.Path,
		"owner":           principal,
	}
	return a.doJSON(ctx, "/paths/owner", body, nil)
}

func (a *AzureAdapter) doJSON(ctx context.Context, endpoint string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.saasURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return domain.NewBackendError(endpoint, domain.BackendPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.saasKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return domain.NewBackendError(endpoint, domain.BackendTransient, err)
	}
	defer resp.Body.Close()

	if err := classifyHTTPStatus(endpoint, resp.StatusCode); err != nil {
		return err
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return domain.NewBackendError(endpoint, domain.BackendPermanent, fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}
