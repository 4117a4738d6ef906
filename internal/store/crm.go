package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/flowcrm/internal/crm"
)

// CRM returns the store's crm.Repository implementation.
func (s *Store) CRM() crm.Repository {
	return crmRepo{s}
}

// crmRepo adapts Store to crm.Repository. Missing records wrap
// crm.ErrNotFound so the service layer can map them onto NOT_FOUND.
type crmRepo struct {
	s *Store
}

var _ crm.Repository = crmRepo{}

func (r crmRepo) InsertContact(ctx context.Context, c crm.Contact) error {
	tags, err := marshalStrings(c.Tags)
	if err != nil {
		return fmt.Errorf("insert contact: tags: %w", err)
	}
	_, err = r.s.db.ExecContext(ctx, `
		INSERT INTO contacts (id, tenant_id, name, email, phone, company, tags, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.TenantID, c.Name, c.Email, c.Phone, c.Company, tags, formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert contact %s: %w", c.ID, err)
	}
	return nil
}

func (r crmRepo) GetContact(ctx context.Context, tenantID, id string) (crm.Contact, error) {
	return r.scanContact(r.s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, email, phone, company, tags, created_at
		FROM contacts WHERE id = ? AND tenant_id = ?
	`, id, tenantID), id)
}

func (r crmRepo) FindContactByEmail(ctx context.Context, tenantID, email string) (crm.Contact, error) {
	return r.scanContact(r.s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, email, phone, company, tags, created_at
		FROM contacts WHERE tenant_id = ? AND email = ? AND email != ''
	`, tenantID, email), email)
}

func (r crmRepo) scanContact(row *sql.Row, key string) (crm.Contact, error) {
	var (
		c         crm.Contact
		tags      string
		createdAt string
	)
	err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.Email, &c.Phone, &c.Company, &tags, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return crm.Contact{}, fmt.Errorf("contact %s: %w", key, crm.ErrNotFound)
	}
	if err != nil {
		return crm.Contact{}, fmt.Errorf("get contact: %w", err)
	}
	if c.Tags, err = unmarshalStrings(tags); err != nil {
		return crm.Contact{}, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return crm.Contact{}, err
	}
	return c, nil
}

func (r crmRepo) InsertPipeline(ctx context.Context, p crm.Pipeline) error {
	return r.s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pipelines (id, tenant_id, name, created_at) VALUES (?, ?, ?, ?)
		`, p.ID, p.TenantID, p.Name, formatTime(p.CreatedAt)); err != nil {
			return fmt.Errorf("insert pipeline %s: %w", p.ID, err)
		}
		for _, st := range p.Stages {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO stages (id, pipeline_id, name, position) VALUES (?, ?, ?, ?)
			`, st.ID, p.ID, st.Name, st.Position); err != nil {
				return fmt.Errorf("insert stage %s: %w", st.ID, err)
			}
		}
		return nil
	})
}

func (r crmRepo) GetPipeline(ctx context.Context, tenantID, id string) (crm.Pipeline, error) {
	var (
		p         crm.Pipeline
		createdAt string
	)
	err := r.s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, created_at FROM pipelines WHERE id = ? AND tenant_id = ?
	`, id, tenantID).Scan(&p.ID, &p.TenantID, &p.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return crm.Pipeline{}, fmt.Errorf("pipeline %s: %w", id, crm.ErrNotFound)
	}
	if err != nil {
		return crm.Pipeline{}, fmt.Errorf("get pipeline: %w", err)
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return crm.Pipeline{}, err
	}

	rows, err := r.s.db.QueryContext(ctx, `
		SELECT id, pipeline_id, name, position FROM stages
		WHERE pipeline_id = ? ORDER BY position ASC
	`, id)
	if err != nil {
		return crm.Pipeline{}, fmt.Errorf("query stages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var st crm.Stage
		if err := rows.Scan(&st.ID, &st.PipelineID, &st.Name, &st.Position); err != nil {
			return crm.Pipeline{}, fmt.Errorf("scan stage: %w", err)
		}
		p.Stages = append(p.Stages, st)
	}
	if err := rows.Err(); err != nil {
		return crm.Pipeline{}, fmt.Errorf("iterate stages: %w", err)
	}
	return p, nil
}

const dealColumns = `id, tenant_id, title, value, currency, pipeline_id, stage_id, contact_id, created_at, updated_at`

func scanDeal(row rowScanner) (crm.Deal, error) {
	var (
		d                    crm.Deal
		contactID            sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&d.ID, &d.TenantID, &d.Title, &d.Value, &d.Currency, &d.PipelineID,
		&d.StageID, &contactID, &createdAt, &updatedAt); err != nil {
		return crm.Deal{}, err
	}
	d.ContactID = contactID.String

	var err error
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return crm.Deal{}, err
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return crm.Deal{}, err
	}
	return d, nil
}

func (r crmRepo) InsertDeal(ctx context.Context, d crm.Deal) error {
	var contactID any
	if d.ContactID != "" {
		contactID = d.ContactID
	}
	_, err := r.s.db.ExecContext(ctx, `
		INSERT INTO deals (`+dealColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.TenantID, d.Title, d.Value, d.Currency, d.PipelineID, d.StageID, contactID,
		formatTime(d.CreatedAt), formatTime(d.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert deal %s: %w", d.ID, err)
	}
	return nil
}

func (r crmRepo) GetDeal(ctx context.Context, tenantID, id string) (crm.Deal, error) {
	d, err := scanDeal(r.s.db.QueryRowContext(ctx,
		`SELECT `+dealColumns+` FROM deals WHERE id = ? AND tenant_id = ?`, id, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return crm.Deal{}, fmt.Errorf("deal %s: %w", id, crm.ErrNotFound)
	}
	if err != nil {
		return crm.Deal{}, fmt.Errorf("get deal: %w", err)
	}
	return d, nil
}

func (r crmRepo) UpdateDealStage(ctx context.Context, tenantID, dealID, stageID string, at time.Time) error {
	res, err := r.s.db.ExecContext(ctx, `
		UPDATE deals SET stage_id = ?, updated_at = ? WHERE id = ? AND tenant_id = ?
	`, stageID, formatTime(at), dealID, tenantID)
	if err != nil {
		return fmt.Errorf("update deal stage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update deal stage: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("deal %s: %w", dealID, crm.ErrNotFound)
	}
	return nil
}

func (r crmRepo) ListDeals(ctx context.Context, tenantID, pipelineID string) ([]crm.Deal, error) {
	rows, err := r.s.db.QueryContext(ctx, `
		SELECT `+dealColumns+` FROM deals
		WHERE tenant_id = ? AND pipeline_id = ?
		ORDER BY created_at ASC, id ASC
	`, tenantID, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("list deals: %w", err)
	}
	defer rows.Close()

	out := []crm.Deal{}
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deal: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deals: %w", err)
	}
	return out, nil
}
