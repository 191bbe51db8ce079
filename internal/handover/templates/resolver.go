package templates

import (
	"context"
	"errors"

	"github.com/dukedataservice/handover/internal/handover/domain"
)

// Resolver picks the template set a delivery will render with: the set bound
// on the delivery if present, else the sender's default set for the backend.
type Resolver struct {
	repo domain.TemplateRepository
}

func NewResolver(repo domain.TemplateRepository) *Resolver {
	return &Resolver{repo: repo}
}

// ResolveForDelivery returns the delivery's template set. Failure to resolve
// is ErrTemplateNotConfigured; this is checked at send time.
func (r *Resolver) ResolveForDelivery(ctx context.Context, d *domain.Delivery) (*domain.TemplateSet, error) {
	if d.TemplateSetID.Valid {
		set, err := r.repo.GetSet(ctx, d.TemplateSetID.UUID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, domain.ErrTemplateNotConfigured
			}
			return nil, err
		}
		return set, nil
	}
	return r.ResolveForUser(ctx, d.FromPrincipal, d.Backend)
}

// ResolveForUser returns the user's default template set for a backend.
func (r *Resolver) ResolveForUser(ctx context.Context, principal string, backend domain.BackendKind) (*domain.TemplateSet, error) {
	set, err := r.repo.GetDefaultSet(ctx, principal, backend)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrTemplateNotConfigured
		}
		return nil, err
	}
	return set, nil
}

// Select returns the template of the given type from the set, or a
// TemplateMissingError when the set does not carry it.
func Select(set *domain.TemplateSet, t domain.TemplateType) (*domain.Template, error) {
	tpl := set.Find(t)
	if tpl == nil {
		return nil, &domain.TemplateMissingError{Type: string(t)}
	}
	return tpl, nil
}
