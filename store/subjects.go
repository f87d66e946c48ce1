package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateTenant inserts a tenant row.
func (s *Store) CreateTenant(ctx context.Context, t *Tenant) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.CreatedAt = time.Now().UTC()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO tenants (id, name, settings, profile, created_at)
		VALUES (:id, :name, :settings, :profile, :created_at)`, t)
	if err != nil {
		return fmt.Errorf("insert tenant: %w", err)
	}
	return nil
}

// GetTenant loads a tenant.
func (s *Store) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	if err := s.db.GetContext(ctx, &t, `SELECT * FROM tenants WHERE id = $1`, id); err != nil {
		return nil, wrapNotFound(err, "tenant %s", id)
	}
	return &t, nil
}

// UpdateTenantProfile replaces the tenant's profile map.
func (s *Store) UpdateTenantProfile(ctx context.Context, id string, profile JSONMap) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET profile = $1 WHERE id = $2`, profile, id)
	if err != nil {
		return fmt.Errorf("update tenant profile %s: %w", id, err)
	}
	return nil
}

// CreateSubject inserts a subject row.
func (s *Store) CreateSubject(ctx context.Context, sub *Subject) error {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	sub.CreatedAt = time.Now().UTC()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO subjects (id, tenant_id, email, phone, distinct_id, timezone, consent, created_at)
		VALUES (:id, :tenant_id, :email, :phone, :distinct_id, :timezone, :consent, :created_at)`, sub)
	if err != nil {
		return fmt.Errorf("insert subject: %w", err)
	}
	return nil
}

// GetSubject loads a subject.
func (s *Store) GetSubject(ctx context.Context, id string) (*Subject, error) {
	var sub Subject
	if err := s.db.GetContext(ctx, &sub, `SELECT * FROM subjects WHERE id = $1`, id); err != nil {
		return nil, wrapNotFound(err, "subject %s", id)
	}
	return &sub, nil
}

// ResolveSubject finds a subject within a tenant by distinct id, then
// email, then phone. Ingress uses this to attach provider events. Only
// a no-rows miss falls through to the next identifier; other failures
// surface immediately.
func (s *Store) ResolveSubject(ctx context.Context, tenantID, distinctID, email, phone string) (*Subject, error) {
	var sub Subject

	if distinctID != "" {
		err := s.db.GetContext(ctx, &sub,
			`SELECT * FROM subjects WHERE tenant_id = $1 AND distinct_id = $2`, tenantID, distinctID)
		if err == nil {
			return &sub, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("resolve subject by distinct id: %w", err)
		}
	}
	if email != "" {
		err := s.db.GetContext(ctx, &sub,
			`SELECT * FROM subjects WHERE tenant_id = $1 AND email = $2`, tenantID, email)
		if err == nil {
			return &sub, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("resolve subject by email: %w", err)
		}
	}
	if phone != "" {
		err := s.db.GetContext(ctx, &sub,
			`SELECT * FROM subjects WHERE tenant_id = $1 AND phone = $2`, tenantID, phone)
		if err == nil {
			return &sub, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("resolve subject by phone: %w", err)
		}
	}
	return nil, fmt.Errorf("subject in tenant %s: %w", tenantID, ErrNotFound)
}

// SetConsent flips one consent flag. Revocation always applies;
// granting overwrites a prior revocation.
func (s *Store) SetConsent(ctx context.Context, subjectID, consentKey string, granted bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE subjects SET consent = jsonb_set(consent, $1, $2, true)
		WHERE id = $3`,
		"{"+consentKey+"}", fmt.Sprintf("%t", granted), subjectID)
	if err != nil {
		return fmt.Errorf("set consent %s on %s: %w", consentKey, subjectID, err)
	}
	return nil
}
