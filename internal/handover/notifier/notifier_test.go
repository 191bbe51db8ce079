package notifier

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dukedataservice/handover/internal/handover/domain"
	"github.com/dukedataservice/handover/internal/handover/templates"
)

// MockTemplateRepository is a mock implementation of domain.TemplateRepository.
type MockTemplateRepository struct {
	mock.Mock
}

func (m *MockTemplateRepository) GetSet(ctx context.Context, id uuid.UUID) (*domain.TemplateSet, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.TemplateSet), args.Error(1)
}

func (m *MockTemplateRepository) GetDefaultSet(ctx context.Context, principal string, backend domain.BackendKind) (*domain.TemplateSet, error) {
	args := m.Called(ctx, principal, backend)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.TemplateSet), args.Error(1)
}

func (m *MockTemplateRepository) CreateSet(ctx context.Context, set *domain.TemplateSet) error {
	return m.Called(ctx, set).Error(0)
}

func (m *MockTemplateRepository) BindDefault(ctx context.Context, binding *domain.UserTemplateBinding) error {
	return m.Called(ctx, binding).Error(0)
}

// MockMailer captures messages handed to the sink.
type MockMailer struct {
	mock.Mock
	Sent []OutgoingMessage
}

func (m *MockMailer) Send(ctx context.Context, msg OutgoingMessage) error {
	m.Sent = append(m.Sent, msg)
	return m.Called(ctx, msg).Error(0)
}

func testTemplateSet() *domain.TemplateSet {
	return &domain.TemplateSet{
		ID:      uuid.New(),
		Name:    "default",
		Backend: domain.BackendDDS,
		Templates: []domain.Template{
			{Type: domain.TemplateDelivery, Subject: "{{sender_name}} delivers {{project_name}}", Body: "Open {{accept_url}}\n\n{{user_message}}"},
			{Type: domain.TemplateAccepted, Subject: "{{project_name}} accepted", Body: "{{recipient_name}} accepted your delivery."},
		},
	}
}

func TestNotifier_DeliveryEmailToRecipient(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := new(MockTemplateRepository)
	mailer := new(MockMailer)
	directory := NewEmailHostDirectory("duke.edu")
	n := NewNotifier(templates.NewResolver(repo), directory, mailer, "Duke Data Delivery", logger)

	set := testTemplateSet()
	repo.On("GetDefaultSet", mock.Anything, "u1", domain.BackendDDS).Return(set, nil)
	mailer.On("Send", mock.Anything, mock.Anything).Return(nil)

	d := domain.NewDelivery(domain.BackendDDS, domain.StorageRef{Container: "p1"}, "u1", "u2")
	d.UserMessage = sql.NullString{String: "please review", Valid: true}

	body, err := n.Notify(context.Background(), d, domain.TemplateDelivery, ToRecipient, Extras{
		ProjectName: "Project One",
		AcceptURL:   "https://x/prompt?transfer_id=tok",
	})
	require.NoError(t, err)

	require.Len(t, mailer.Sent, 1)
	msg := mailer.Sent[0]
	assert.Equal(t, "u1@duke.edu", msg.From)
	assert.Equal(t, "u2@duke.edu", msg.To)
	assert.Equal(t, "u1 delivers Project One", msg.Subject)
	assert.Contains(t, msg.Body, "https://x/prompt?transfer_id=tok")
	assert.Contains(t, msg.Body, "please review")
	assert.Equal(t, body, msg.Body)
	// No reply address on the set: falls back to the sender.
	assert.Equal(t, "u1@duke.edu", msg.ReplyTo)
}

func TestNotifier_ToSenderSwapsDirectionAndAppliesCC(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := new(MockTemplateRepository)
	mailer := new(MockMailer)
	n := NewNotifier(templates.NewResolver(repo), NewEmailHostDirectory("duke.edu"), mailer, "Duke Data Delivery", logger)

	set := testTemplateSet()
	set.CCAddress = sql.NullString{String: "audit@duke.edu", Valid: true}
	set.ReplyAddress = sql.NullString{String: "support@duke.edu", Valid: true}
	repo.On("GetDefaultSet", mock.Anything, "u1", domain.BackendDDS).Return(set, nil)
	mailer.On("Send", mock.Anything, mock.Anything).Return(nil)

	d := domain.NewDelivery(domain.BackendDDS, domain.StorageRef{Container: "p1"}, "u1", "u2")

	_, err := n.Notify(context.Background(), d, domain.TemplateAccepted, ToSender, Extras{ProjectName: "Project One"})
	require.NoError(t, err)

	msg := mailer.Sent[0]
	assert.Equal(t, "u2@duke.edu", msg.From)
	assert.Equal(t, "u1@duke.edu", msg.To)
	assert.Equal(t, "audit@duke.edu", msg.CC)
	assert.Equal(t, "support@duke.edu", msg.ReplyTo)
}

func TestNotifier_ShareEmail(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := new(MockTemplateRepository)
	mailer := new(MockMailer)
	n := NewNotifier(templates.NewResolver(repo), NewEmailHostDirectory("duke.edu"), mailer, "Duke Data Delivery", logger)

	set := testTemplateSet()
	set.Templates = append(set.Templates, domain.Template{
		Type:    domain.ShareTemplateType("view"),
		Subject: "{{sender_name}} shared {{project_name}}",
		Body:    "You can view {{project_name}} at {{project_url}}.",
	})
	repo.On("GetDefaultSet", mock.Anything, "u1", domain.BackendDDS).Return(set, nil)
	mailer.On("Send", mock.Anything, mock.Anything).Return(nil)

	d := domain.NewDelivery(domain.BackendDDS, domain.StorageRef{Container: "p1"}, "u1", "u2")
	before := testutil.ToFloat64(notificationsSentCounter.WithLabelValues("share-view"))

	err := n.NotifyShare(context.Background(), d, domain.ShareUser{Principal: "u3", Role: "view"}, Extras{
		ProjectName: "Project One",
		ProjectURL:  "https://x/projects/p1",
	})
	require.NoError(t, err)

	require.Len(t, mailer.Sent, 1)
	msg := mailer.Sent[0]
	assert.Equal(t, "u1@duke.edu", msg.From)
	assert.Equal(t, "u3@duke.edu", msg.To)
	assert.Equal(t, "u1 shared Project One", msg.Subject)
	assert.Contains(t, msg.Body, "https://x/projects/p1")
	assert.Equal(t, before+1, testutil.ToFloat64(notificationsSentCounter.WithLabelValues("share-view")))
}

func TestNotifier_ShareEmailSkipsRolesWithoutTemplate(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := new(MockTemplateRepository)
	mailer := new(MockMailer)
	n := NewNotifier(templates.NewResolver(repo), NewEmailHostDirectory("duke.edu"), mailer, "Duke Data Delivery", logger)

	set := testTemplateSet()
	repo.On("GetDefaultSet", mock.Anything, "u1", domain.BackendDDS).Return(set, nil)

	d := domain.NewDelivery(domain.BackendDDS, domain.StorageRef{Container: "p1"}, "u1", "u2")

	err := n.NotifyShare(context.Background(), d, domain.ShareUser{Principal: "u3", Role: "download"}, Extras{})
	require.NoError(t, err)
	assert.Empty(t, mailer.Sent)
}

func TestNotifier_MissingTemplate(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := new(MockTemplateRepository)
	mailer := new(MockMailer)
	n := NewNotifier(templates.NewResolver(repo), NewEmailHostDirectory("duke.edu"), mailer, "Duke Data Delivery", logger)

	set := testTemplateSet()
	repo.On("GetDefaultSet", mock.Anything, "u1", domain.BackendDDS).Return(set, nil)

	d := domain.NewDelivery(domain.BackendDDS, domain.StorageRef{Container: "p1"}, "u1", "u2")

	_, err := n.Notify(context.Background(), d, domain.TemplateDeclined, ToSender, Extras{})
	var missing *domain.TemplateMissingError
	require.ErrorAs(t, err, &missing)
	assert.Empty(t, mailer.Sent)
}
