// Package crm implements the contacts, pipelines and deals that workflow
// action nodes create and move.
package crm

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/text/unicode/norm"
)

// DefaultCurrency is used for deals created without a currency.
const DefaultCurrency = "USD"

// Service validates and applies CRM mutations.
type Service struct {
	repo  Repository
	now   func() time.Time
	newID func() string
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the wall clock (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides record ID generation (tests).
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) { s.newID = gen }
}

// NewService creates a Service. Record IDs are ULIDs unless overridden.
func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:  repo,
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return ulid.Make().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizeName trims, collapses inner whitespace and NFC-normalizes a
// human name.
func NormalizeName(name string) string {
	return norm.NFC.String(strings.Join(strings.Fields(name), " "))
}

// CreateContactInput holds the fields of a new contact.
type CreateContactInput struct {
	Name    string
	Email   string
	Phone   string
	Company string
	Tags    []string

	// Upsert returns the existing contact with the same email instead of
	// creating a duplicate.
	Upsert bool
}

// CreateContact creates a contact. With Upsert set and a matching email
// already on file, the existing contact is returned and created is false.
func (s *Service) CreateContact(ctx context.Context, tenantID string, in CreateContactInput) (c Contact, created bool, err error) {
	name := NormalizeName(in.Name)
	email := NormalizeEmail(in.Email)
	if name == "" {
		return Contact{}, false, validationError("contact name is required")
	}
	if email != "" && !strings.Contains(email, "@") {
		return Contact{}, false, validationError("invalid email %q", in.Email)
	}

	if email != "" {
		existing, err := s.repo.FindContactByEmail(ctx, tenantID, email)
		switch {
		case err == nil && in.Upsert:
			return existing, false, nil
		case err == nil:
			return Contact{}, false, &Error{
				Status:  http.StatusConflict,
				Code:    CodeConflict,
				Message: "a contact with this email already exists",
				Details: map[string]any{"contactId": existing.ID},
			}
		case !errors.Is(err, ErrNotFound):
			return Contact{}, false, err
		}
	}

	c = Contact{
		ID:        s.newID(),
		TenantID:  tenantID,
		Name:      name,
		Email:     email,
		Phone:     strings.TrimSpace(in.Phone),
		Company:   strings.TrimSpace(in.Company),
		Tags:      in.Tags,
		CreatedAt: s.now(),
	}
	if err := s.repo.InsertContact(ctx, c); err != nil {
		return Contact{}, false, err
	}
	return c, true, nil
}

// GetContact returns a contact by ID.
func (s *Service) GetContact(ctx context.Context, tenantID, id string) (Contact, error) {
	c, err := s.repo.GetContact(ctx, tenantID, id)
	if errors.Is(err, ErrNotFound) {
		return Contact{}, notFound("contact", id)
	}
	return c, err
}

// FindContactByEmail returns the contact with the given email after
// normalization.
func (s *Service) FindContactByEmail(ctx context.Context, tenantID, email string) (Contact, error) {
	email = NormalizeEmail(email)
	c, err := s.repo.FindContactByEmail(ctx, tenantID, email)
	if errors.Is(err, ErrNotFound) {
		return Contact{}, notFound("contact", email)
	}
	return c, err
}

// CreatePipeline creates a pipeline with stages in the given order.
func (s *Service) CreatePipeline(ctx context.Context, tenantID, name string, stageNames []string) (Pipeline, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Pipeline{}, validationError("pipeline name is required")
	}
	if len(stageNames) == 0 {
		return Pipeline{}, validationError("pipeline %q needs at least one stage", name)
	}

	p := Pipeline{
		ID:        s.newID(),
		TenantID:  tenantID,
		Name:      name,
		CreatedAt: s.now(),
	}
	for i, sn := range stageNames {
		sn = strings.TrimSpace(sn)
		if sn == "" {
			return Pipeline{}, validationError("stage %d of pipeline %q has no name", i, name)
		}
		p.Stages = append(p.Stages, Stage{ID: s.newID(), PipelineID: p.ID, Name: sn, Position: i})
	}
	if err := s.repo.InsertPipeline(ctx, p); err != nil {
		return Pipeline{}, err
	}
	return p, nil
}

// GetPipeline returns a pipeline with its stages.
func (s *Service) GetPipeline(ctx context.Context, tenantID, id string) (Pipeline, error) {
	p, err := s.repo.GetPipeline(ctx, tenantID, id)
	if errors.Is(err, ErrNotFound) {
		return Pipeline{}, notFound("pipeline", id)
	}
	return p, err
}

// CreateDealInput holds the fields of a new deal.
type CreateDealInput struct {
	Title      string
	Value      float64
	Currency   string
	PipelineID string
	StageID    string // optional; defaults to the first stage
	ContactID  string // optional
}

// CreateDeal creates a deal in a pipeline stage.
func (s *Service) CreateDeal(ctx context.Context, tenantID string, in CreateDealInput) (Deal, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return Deal{}, validationError("deal title is required")
	}
	if math.IsNaN(in.Value) || math.IsInf(in.Value, 0) {
		return Deal{}, validationError("deal value must be a finite number")
	}
	if in.Value < 0 {
		return Deal{}, validationError("deal value must not be negative")
	}
	if in.PipelineID == "" {
		return Deal{}, validationError("pipelineId is required")
	}

	p, err := s.GetPipeline(ctx, tenantID, in.PipelineID)
	if err != nil {
		return Deal{}, err
	}

	stageID := in.StageID
	if stageID == "" {
		stageID = p.Stages[0].ID
	} else if _, ok := p.Stage(stageID); !ok {
		return Deal{}, stageMismatch(stageID, p.ID)
	}

	if in.ContactID != "" {
		if _, err := s.GetContact(ctx, tenantID, in.ContactID); err != nil {
			return Deal{}, err
		}
	}

	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = DefaultCurrency
	}

	now := s.now()
	d := Deal{
		ID:         s.newID(),
		TenantID:   tenantID,
		Title:      title,
		Value:      in.Value,
		Currency:   currency,
		PipelineID: p.ID,
		StageID:    stageID,
		ContactID:  in.ContactID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.InsertDeal(ctx, d); err != nil {
		return Deal{}, err
	}
	return d, nil
}

// MoveDeal moves a deal to another stage of its own pipeline.
func (s *Service) MoveDeal(ctx context.Context, tenantID, dealID, stageID string) (Deal, error) {
	d, err := s.repo.GetDeal(ctx, tenantID, dealID)
	if errors.Is(err, ErrNotFound) {
		return Deal{}, notFound("deal", dealID)
	}
	if err != nil {
		return Deal{}, err
	}

	p, err := s.GetPipeline(ctx, tenantID, d.PipelineID)
	if err != nil {
		return Deal{}, err
	}
	if _, ok := p.Stage(stageID); !ok {
		return Deal{}, stageMismatch(stageID, p.ID)
	}

	now := s.now()
	if err := s.repo.UpdateDealStage(ctx, tenantID, dealID, stageID, now); err != nil {
		return Deal{}, err
	}
	d.StageID = stageID
	d.UpdatedAt = now
	return d, nil
}

// ListDeals returns the deals of a pipeline.
func (s *Service) ListDeals(ctx context.Context, tenantID, pipelineID string) ([]Deal, error) {
	return s.repo.ListDeals(ctx, tenantID, pipelineID)
}

func stageMismatch(stageID, pipelineID string) *Error {
	return &Error{
		Status:  http.StatusUnprocessableEntity,
		Code:    CodeStageMismatch,
		Message: "stage does not belong to the deal's pipeline",
		Details: map[string]any{"stageId": stageID, "pipelineId": pipelineID},
	}
}
