package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetSubjectContext loads the rollup for a (tenant, subject), returning
// a fresh zero-valued context when none exists yet. Only a missing row
// yields the fresh context; any other failure surfaces so a caller
// never mistakes a transient error for an empty history.
func (s *Store) GetSubjectContext(ctx context.Context, tenantID, subjectID string) (*SubjectContext, error) {
	var sc SubjectContext
	err := s.db.GetContext(ctx, &sc,
		`SELECT * FROM subject_contexts WHERE tenant_id = $1 AND subject_id = $2`,
		tenantID, subjectID)
	switch {
	case err == nil:
		return &sc, nil
	case errors.Is(err, sql.ErrNoRows):
		return &SubjectContext{
			TenantID:  tenantID,
			SubjectID: subjectID,
			Stage:     StageNew,
		}, nil
	default:
		return nil, fmt.Errorf("load context %s/%s: %w", tenantID, subjectID, err)
	}
}

// UpsertSubjectContext writes the rollup row.
func (s *Store) UpsertSubjectContext(ctx context.Context, sc *SubjectContext) error {
	sc.UpdatedAt = time.Now().UTC()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO subject_contexts (tenant_id, subject_id, stage, page_views, emails_sent,
			whatsapp_sent, sms_sent, emails_opened, emails_clicked, emails_replied,
			whatsapp_received, revenue, last_seen_at, last_send_at, updated_at)
		VALUES (:tenant_id, :subject_id, :stage, :page_views, :emails_sent,
			:whatsapp_sent, :sms_sent, :emails_opened, :emails_clicked, :emails_replied,
			:whatsapp_received, :revenue, :last_seen_at, :last_send_at, :updated_at)
		ON CONFLICT (tenant_id, subject_id) DO UPDATE SET
			stage = EXCLUDED.stage,
			page_views = EXCLUDED.page_views,
			emails_sent = EXCLUDED.emails_sent,
			whatsapp_sent = EXCLUDED.whatsapp_sent,
			sms_sent = EXCLUDED.sms_sent,
			emails_opened = EXCLUDED.emails_opened,
			emails_clicked = EXCLUDED.emails_clicked,
			emails_replied = EXCLUDED.emails_replied,
			whatsapp_received = EXCLUDED.whatsapp_received,
			revenue = EXCLUDED.revenue,
			last_seen_at = EXCLUDED.last_seen_at,
			last_send_at = EXCLUDED.last_send_at,
			updated_at = EXCLUDED.updated_at`, sc)
	if err != nil {
		return fmt.Errorf("upsert context %s/%s: %w", sc.TenantID, sc.SubjectID, err)
	}
	return nil
}
