package crm

import (
	"context"
	"time"
)

// Contact is a person tracked by a tenant.
type Contact struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Company   string    `json:"company,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Stage is one step of a pipeline. Stages are ordered by Position.
type Stage struct {
	ID         string `json:"id"`
	PipelineID string `json:"pipelineId"`
	Name       string `json:"name"`
	Position   int    `json:"position"`
}

// Pipeline is a sales funnel: an ordered list of stages a deal moves through.
type Pipeline struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	Name      string    `json:"name"`
	Stages    []Stage   `json:"stages"`
	CreatedAt time.Time `json:"createdAt"`
}

// Stage returns the pipeline stage with the given ID.
func (p Pipeline) Stage(id string) (Stage, bool) {
	for _, s := range p.Stages {
		if s.ID == id {
			return s, true
		}
	}
	return Stage{}, false
}

// Deal belongs to a pipeline and sits in exactly one of its stages.
type Deal struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenantId"`
	Title      string    `json:"title"`
	Value      float64   `json:"value"`
	Currency   string    `json:"currency"`
	PipelineID string    `json:"pipelineId"`
	StageID    string    `json:"stageId"`
	ContactID  string    `json:"contactId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Repository persists CRM records. All lookups are tenant scoped and
// return ErrNotFound for records of other tenants.
type Repository interface {
	InsertContact(ctx context.Context, c Contact) error
	GetContact(ctx context.Context, tenantID, id string) (Contact, error)
	FindContactByEmail(ctx context.Context, tenantID, email string) (Contact, error)

	InsertPipeline(ctx context.Context, p Pipeline) error
	GetPipeline(ctx context.Context, tenantID, id string) (Pipeline, error)

	InsertDeal(ctx context.Context, d Deal) error
	GetDeal(ctx context.Context, tenantID, id string) (Deal, error)
	UpdateDealStage(ctx context.Context, tenantID, dealID, stageID string, at time.Time) error
	ListDeals(ctx context.Context, tenantID, pipelineID string) ([]Deal, error)
}
