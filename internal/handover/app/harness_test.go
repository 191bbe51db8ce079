package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dukedataservice/handover/internal/handover/domain"
	"github.com/dukedataservice/handover/internal/handover/manifest"
	"github.com/dukedataservice/handover/internal/handover/notifier"
	"github.com/dukedataservice/handover/internal/handover/storage"
	"github.com/dukedataservice/handover/internal/handover/templates"
)

// In-memory fakes. The scenario tests in this package drive the service,
// orchestrator and poller end to end, so stateful fakes are used instead of
// per-call expectation mocks.

type memDeliveryRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*domain.Delivery
}

func newMemDeliveryRepo() *memDeliveryRepo {
	return &memDeliveryRepo{items: map[uuid.UUID]*domain.Delivery{}}
}

func (r *memDeliveryRepo) Create(ctx context.Context, d *domain.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *d
	r.items[d.ID] = &cp
	return nil
}

func (r *memDeliveryRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (r *memDeliveryRepo) GetByTransferToken(ctx context.Context, backend domain.BackendKind, token string) (*domain.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found []*domain.Delivery
	for _, d := range r.items {
		if d.Backend == backend && d.TransferToken == token {
			found = append(found, d)
		}
	}
	switch len(found) {
	case 0:
		return nil, domain.ErrNotFound
	case 1:
		cp := *found[0]
		return &cp, nil
	default:
		return nil, domain.ErrDuplicateEntry
	}
}

func (r *memDeliveryRepo) ActiveExistsForSource(ctx context.Context, backend domain.BackendKind, source domain.StorageRef) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.items {
		if d.Backend == backend && d.Source.Container == source.Container && !d.IsComplete() {
			return true, nil
		}
	}
	return false, nil
}

func (r *memDeliveryRepo) Update(ctx context.Context, d *domain.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.items[d.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if stored.Version != d.Version {
		return domain.ErrConcurrentUpdate
	}
	d.Version++
	cp := *d
	r.items[d.ID] = &cp
	return nil
}

func (r *memDeliveryRepo) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, id)
	return nil
}

func (r *memDeliveryRepo) List(ctx context.Context, filter domain.DeliveryFilter) ([]*domain.Delivery, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Delivery
	for _, d := range r.items {
		if filter.Principal != "" && d.FromPrincipal != filter.Principal && d.ToPrincipal != filter.Principal {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	return out, len(out), nil
}

func (r *memDeliveryRepo) CountByState(ctx context.Context, principal string) (map[domain.DeliveryState]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := map[domain.DeliveryState]int{}
	for _, d := range r.items {
		if d.FromPrincipal == principal || d.ToPrincipal == principal {
			counts[d.State]++
		}
	}
	return counts, nil
}

type memJobRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*domain.TransferJob
}

func newMemJobRepo() *memJobRepo {
	return &memJobRepo{items: map[uuid.UUID]*domain.TransferJob{}}
}

func (r *memJobRepo) Enqueue(ctx context.Context, job *domain.TransferJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *job
	r.items[job.ID] = &cp
	return nil
}

func (r *memJobRepo) AcquireDue(ctx context.Context, dueTime time.Time, limit int) ([]*domain.TransferJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []*domain.TransferJob
	for _, job := range r.items {
		if len(due) >= limit {
			break
		}
		if job.Status == domain.JobPending || job.Status == domain.JobRetry {
			job.Status = domain.JobProcessing
			cp := *job
			due = append(due, &cp)
		}
	}
	if len(due) == 0 {
		return nil, domain.ErrNoDueJobs
	}
	return due, nil
}

func (r *memJobRepo) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	return r.setStatus(id, domain.JobCompleted, sql.NullString{}, 0)
}

func (r *memJobRepo) MarkFailed(ctx context.Context, id uuid.UUID, errorMessage sql.NullString) error {
	return r.setStatus(id, domain.JobFailed, errorMessage, 0)
}

func (r *memJobRepo) MarkForRetry(ctx context.Context, id uuid.UUID, nextRetryTime time.Time, retryCount int, errorMessage sql.NullString) error {
	return r.setStatus(id, domain.JobRetry, errorMessage, retryCount)
}

func (r *memJobRepo) setStatus(id uuid.UUID, status domain.JobStatus, errMsg sql.NullString, retries int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	job.Status = status
	job.Error = errMsg
	if retries > 0 {
		job.RetryCount = retries
	}
	return nil
}

func (r *memJobRepo) HasActiveJob(ctx context.Context, deliveryID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, job := range r.items {
		if job.DeliveryID != deliveryID {
			continue
		}
		switch job.Status {
		case domain.JobPending, domain.JobProcessing, domain.JobRetry:
			return true, nil
		}
	}
	return false, nil
}

type memErrRepo struct {
	mu    sync.Mutex
	items []*domain.DeliveryError
}

func (r *memErrRepo) Append(ctx context.Context, deliveryErr *domain.DeliveryError) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *deliveryErr
	r.items = append(r.items, &cp)
	return nil
}

func (r *memErrRepo) ListByDelivery(ctx context.Context, deliveryID uuid.UUID) ([]*domain.DeliveryError, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.DeliveryError
	for _, e := range r.items {
		if e.DeliveryID == deliveryID {
			out = append(out, e)
		}
	}
	return out, nil
}

type memTemplateRepo struct {
	sets     map[uuid.UUID]*domain.TemplateSet
	defaults map[string]*domain.TemplateSet // principal|backend
}

func newMemTemplateRepo() *memTemplateRepo {
	return &memTemplateRepo{
		sets:     map[uuid.UUID]*domain.TemplateSet{},
		defaults: map[string]*domain.TemplateSet{},
	}
}

func (r *memTemplateRepo) GetSet(ctx context.Context, id uuid.UUID) (*domain.TemplateSet, error) {
	set, ok := r.sets[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return set, nil
}

func (r *memTemplateRepo) GetDefaultSet(ctx context.Context, principal string, backend domain.BackendKind) (*domain.TemplateSet, error) {
	set, ok := r.defaults[principal+"|"+string(backend)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return set, nil
}

func (r *memTemplateRepo) CreateSet(ctx context.Context, set *domain.TemplateSet) error {
	r.sets[set.ID] = set
	return nil
}

func (r *memTemplateRepo) BindDefault(ctx context.Context, binding *domain.UserTemplateBinding) error {
	r.defaults[binding.Principal+"|"+string(binding.Backend)] = r.sets[binding.SetID]
	return nil
}

type memManifestRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*domain.Manifest
}

func newMemManifestRepo() *memManifestRepo {
	return &memManifestRepo{items: map[uuid.UUID]*domain.Manifest{}}
}

func (r *memManifestRepo) Create(ctx context.Context, m *domain.Manifest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *m
	r.items[m.ID] = &cp
	return nil
}

func (r *memManifestRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Manifest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *memManifestRepo) Replace(ctx context.Context, m *domain.Manifest) error {
	return r.Create(ctx, m)
}

// captureMailer records outgoing messages instead of sending them.
type captureMailer struct {
	mu   sync.Mutex
	Sent []notifier.OutgoingMessage
}

func (m *captureMailer) Send(ctx context.Context, msg notifier.OutgoingMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, msg)
	return nil
}

func (m *captureMailer) sentTo(addr string) []notifier.OutgoingMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []notifier.OutgoingMessage
	for _, msg := range m.Sent {
		if msg.To == addr {
			out = append(out, msg)
		}
	}
	return out
}

// fakeAdapter is a configurable storage backend.
type fakeAdapter struct {
	kind    domain.BackendKind
	owns    bool
	token   string
	entries []domain.ManifestEntry

	destExists bool

	// copyErrs is popped one per CopyObjects call to inject failures.
	copyErrs []error

	mu            sync.Mutex
	accepted      []string
	declined      []string
	canceled      []string
	copyCalls     int
	sourceDeleted bool
	destCreated   bool
	aclsAdded     []string
	ownerSet      string
	agentGranted  bool
	readsGranted  []string
}

func (f *fakeAdapter) Kind() domain.BackendKind { return f.kind }

func (f *fakeAdapter) VerifySourceOwnership(ctx context.Context, source domain.StorageRef, sender string) (bool, error) {
	return f.owns, nil
}

func (f *fakeAdapter) CreateBackendTransfer(ctx context.Context, source domain.StorageRef, recipient string, deliveryID string) (string, error) {
	if f.token != "" {
		return f.token, nil
	}
	return deliveryID, nil
}

func (f *fakeAdapter) SnapshotManifest(ctx context.Context, source domain.StorageRef) ([]domain.ManifestEntry, error) {
	return f.entries, nil
}

func (f *fakeAdapter) GrantAgentFullControl(ctx context.Context, source domain.StorageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agentGranted = true
	return nil
}

func (f *fakeAdapter) GrantRecipientRead(ctx context.Context, ref domain.StorageRef, principal string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readsGranted = append(f.readsGranted, principal)
	return nil
}

func (f *fakeAdapter) RestoreSenderControl(ctx context.Context, source domain.StorageRef, sender string) error {
	return nil
}

func (f *fakeAdapter) CreateDestination(ctx context.Context, dest domain.StorageRef, owner string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destCreated = true
	return nil
}

func (f *fakeAdapter) CopyObjects(ctx context.Context, source, dest domain.StorageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copyCalls++
	if len(f.copyErrs) > 0 {
		err := f.copyErrs[0]
		f.copyErrs = f.copyErrs[1:]
		return err
	}
	return nil
}

func (f *fakeAdapter) DeleteSource(ctx context.Context, source domain.StorageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sourceDeleted = true
	return nil
}

func (f *fakeAdapter) DestinationExists(ctx context.Context, dest domain.StorageRef) (bool, error) {
	return f.destExists, nil
}

func (f *fakeAdapter) MoveOrCopyDirectory(ctx context.Context, source, dest domain.StorageRef) error {
	return nil
}

func (f *fakeAdapter) AddACL(ctx context.Context, dest domain.StorageRef, principal, permission string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aclsAdded = append(f.aclsAdded, principal+":"+permission)
	return nil
}

func (f *fakeAdapter) SetOwner(ctx context.Context, dest domain.StorageRef, principal string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ownerSet = principal
	return nil
}

func (f *fakeAdapter) Accept(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted = append(f.accepted, token)
	return nil
}

func (f *fakeAdapter) Decline(ctx context.Context, token, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declined = append(f.declined, token+":"+reason)
	return nil
}

func (f *fakeAdapter) Cancel(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, token)
	return nil
}

// harness assembles the service, orchestrator and poller over the fakes.
type harness struct {
	service      *DeliveryService
	orchestrator *Orchestrator
	poller       *JobPoller

	deliveries *memDeliveryRepo
	jobs       *memJobRepo
	errs       *memErrRepo
	tmpl       *memTemplateRepo
	mailer     *captureMailer
	adapter    *fakeAdapter
	pipeline   *[]storage.PipelineRequest
}

func newHarness(t *testing.T, adapter *fakeAdapter) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	deliveries := newMemDeliveryRepo()
	jobs := newMemJobRepo()
	errs := &memErrRepo{}
	tmpl := newMemTemplateRepo()
	mailer := &captureMailer{}

	set := &domain.TemplateSet{
		ID:      uuid.New(),
		Name:    "default",
		Backend: adapter.kind,
		Templates: []domain.Template{
			{Type: domain.TemplateDelivery, Subject: "{{sender_name}} delivers {{project_name}}", Body: "Open {{accept_url}}\n\n{{user_message}}"},
			{Type: domain.TemplateAccepted, Subject: "{{project_name}} accepted", Body: "{{recipient_name}} accepted your delivery of {{project_name}}."},
			{Type: domain.TemplateAcceptedRecipient, Subject: "{{project_name}} is yours", Body: "Find it at {{project_url}}."},
			{Type: domain.TemplateDeclined, Subject: "{{project_name}} declined", Body: "Reason: {{message}}"},
			{Type: domain.TemplateCanceled, Subject: "{{project_name}} canceled", Body: "The delivery was withdrawn."},
			{Type: domain.ShareTemplateType("view"), Subject: "{{sender_name}} shared {{project_name}}", Body: "You can view {{project_name}} at {{project_url}}."},
		},
	}
	tmpl.sets[set.ID] = set
	tmpl.defaults["u1|"+string(adapter.kind)] = set

	resolver := templates.NewResolver(tmpl)
	directory := notifier.NewEmailHostDirectory("duke.edu")
	n := notifier.NewNotifier(resolver, directory, mailer, "Duke Data Delivery", logger)
	manifests := manifest.NewStore(newMemManifestRepo(), manifest.NewSigner("test-secret"), logger)

	var pipelineRequests []storage.PipelineRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req storage.PipelineRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			pipelineRequests = append(pipelineRequests, req)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)
	pipeline := storage.NewPipelineClient(srv.URL, logger)

	registry := storage.Registry{adapter.kind: adapter}
	links := Links{AcceptURLBase: "http://delivery.test", PortalURLBase: "http://portal.test"}

	service := NewDeliveryService(deliveries, jobs, errs, registry, resolver, n, manifests, nil, links, logger)
	orchestrator := NewOrchestrator(deliveries, jobs, errs, registry, manifests, n, pipeline, nil, links, logger)
	poller := NewJobPoller(jobs, orchestrator, logger, PollerConfig{
		PollingInterval: time.Second,
		JobBatchSize:    10,
		MaxRetry:        3,
	})

	return &harness{
		service:      service,
		orchestrator: orchestrator,
		poller:       poller,
		deliveries:   deliveries,
		jobs:         jobs,
		errs:         errs,
		tmpl:         tmpl,
		mailer:       mailer,
		adapter:      adapter,
		pipeline:     &pipelineRequests,
	}
}
