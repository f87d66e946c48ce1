package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GetPolicyRules returns a tenant's policy overrides as a key-value map.
func (s *Store) GetPolicyRules(ctx context.Context, tenantID string) (map[string]string, error) {
	var rules []PolicyRule
	err := s.db.SelectContext(ctx, &rules,
		`SELECT * FROM policy_rules WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load policy rules for %s: %w", tenantID, err)
	}

	out := make(map[string]string, len(rules))
	for _, r := range rules {
		out[r.RuleKey] = r.RuleValue
	}
	return out, nil
}

// SetPolicyRule upserts one tenant policy override.
func (s *Store) SetPolicyRule(ctx context.Context, tenantID, key, value string) error {
	rule := &PolicyRule{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		RuleKey:   key,
		RuleValue: value,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO policy_rules (id, tenant_id, rule_key, rule_value, created_at)
		VALUES (:id, :tenant_id, :rule_key, :rule_value, :created_at)
		ON CONFLICT (tenant_id, rule_key) DO UPDATE SET rule_value = EXCLUDED.rule_value`, rule)
	if err != nil {
		return fmt.Errorf("set policy rule %s for %s: %w", key, tenantID, err)
	}
	return nil
}
