package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/paiban/nursesched/pkg/errors"
	"github.com/paiban/nursesched/pkg/model"
	"github.com/paiban/nursesched/pkg/rule/bundle"
)

// RuleRepository 规则、规则版本与模板
type RuleRepository struct {
	db DB
}

// NewRuleRepository 创建规则仓储
func NewRuleRepository(db DB) *RuleRepository {
	return &RuleRepository{db: db}
}

const ruleColumns = `
	SELECT id, title, scope_type, scope_id, category, priority, enabled, current_version_id, created_at, updated_at
	FROM rules`

// CreateRule 创建规则
func (r *RuleRepository) CreateRule(ctx context.Context, rule *model.Rule) error {
	touch(&rule.BaseModel)
	query := `
		INSERT INTO rules (id, title, scope_type, scope_id, category, priority, enabled, current_version_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		rule.ID, rule.Title, rule.ScopeType, rule.ScopeID, rule.Category, rule.Priority, rule.Enabled,
		nullUUID(rule.CurrentVersionID), rule.CreatedAt, rule.UpdatedAt,
	)
	return dbError(err, "创建规则失败")
}

// GetRule 根据ID获取规则
func (r *RuleRepository) GetRule(ctx context.Context, id uuid.UUID) (*model.Rule, error) {
	rule, err := scanRule(r.db.QueryRowContext(ctx, ruleColumns+` WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "规则", id)
	}
	return rule, nil
}

// ListRules 按范围、类别和启用状态查询规则，按优先级降序
func (r *RuleRepository) ListRules(ctx context.Context, filter bundle.RuleFilter) ([]*model.Rule, error) {
	var conditions []string
	var args []interface{}
	argNum := 1

	if filter.ScopeType != "" {
		conditions = append(conditions, fmt.Sprintf("scope_type = $%d", argNum))
		args = append(args, filter.ScopeType)
		argNum++
	}
	if filter.ScopeID != "" {
		conditions = append(conditions, fmt.Sprintf("scope_id = $%d", argNum))
		args = append(args, filter.ScopeID)
		argNum++
	}
	if filter.Category != "" {
		conditions = append(conditions, fmt.Sprintf("category = $%d", argNum))
		args = append(args, filter.Category)
		argNum++
	}
	if filter.Enabled != nil {
		conditions = append(conditions, fmt.Sprintf("enabled = $%d", argNum))
		args = append(args, *filter.Enabled)
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = " WHERE " + strings.Join(conditions, " AND ")
	}

	rows, err := r.db.QueryContext(ctx, ruleColumns+whereClause+` ORDER BY priority DESC, created_at, id`, args...)
	if err != nil {
		return nil, dbError(err, "查询规则失败")
	}
	defer rows.Close()

	var out []*model.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描规则失败: %w", err)
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func scanRule(s Scanner) (*model.Rule, error) {
	rule := &model.Rule{}
	var current uuid.NullUUID
	if err := s.Scan(&rule.ID, &rule.Title, &rule.ScopeType, &rule.ScopeID, &rule.Category, &rule.Priority,
		&rule.Enabled, &current, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
		return nil, err
	}
	rule.CurrentVersionID = uuidPtr(current)
	return rule, nil
}

// CreateRuleVersion 追加规则版本，版本号在事务内递增
func (r *RuleRepository) CreateRuleVersion(ctx context.Context, v *model.RuleVersion) error {
	touch(&v.BaseModel)
	report, err := jsonText(v.ValidationReport)
	if err != nil {
		return err
	}
	return withTx(ctx, r.db, func(q DB) error {
		var next int
		if err := q.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(version), 0) + 1 FROM rule_versions WHERE rule_id = $1
		`, v.RuleID).Scan(&next); err != nil {
			return dbError(err, "查询规则版本号失败")
		}
		v.Version = next
		query := `
			INSERT INTO rule_versions (
				id, rule_id, version, nl_text, dsl_text, dsl_hash, reverse_translation,
				validation_status, validation_report, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`
		_, err := q.ExecContext(ctx, query,
			v.ID, v.RuleID, v.Version, v.NLText, v.DSLText, v.DSLHash, v.ReverseTranslation,
			v.ValidationStatus, report, v.CreatedAt, v.UpdatedAt,
		)
		return dbError(err, "创建规则版本失败")
	})
}

const ruleVersionColumns = `
	SELECT id, rule_id, version, nl_text, dsl_text, dsl_hash, reverse_translation,
		validation_status, validation_report, created_at, updated_at
	FROM rule_versions`

// GetRuleVersion 根据ID获取规则版本
func (r *RuleRepository) GetRuleVersion(ctx context.Context, id uuid.UUID) (*model.RuleVersion, error) {
	v, err := scanRuleVersion(r.db.QueryRowContext(ctx, ruleVersionColumns+` WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "规则版本", id)
	}
	return v, nil
}

// ListRuleVersions 列出规则的全部版本，新版本在前
func (r *RuleRepository) ListRuleVersions(ctx context.Context, ruleID uuid.UUID) ([]*model.RuleVersion, error) {
	rows, err := r.db.QueryContext(ctx, ruleVersionColumns+` WHERE rule_id = $1 ORDER BY version DESC`, ruleID)
	if err != nil {
		return nil, dbError(err, "查询规则版本失败")
	}
	defer rows.Close()

	var out []*model.RuleVersion
	for rows.Next() {
		v, err := scanRuleVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描规则版本失败: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanRuleVersion(s Scanner) (*model.RuleVersion, error) {
	v := &model.RuleVersion{}
	var report []byte
	if err := s.Scan(&v.ID, &v.RuleID, &v.Version, &v.NLText, &v.DSLText, &v.DSLHash, &v.ReverseTranslation,
		&v.ValidationStatus, &report, &v.CreatedAt, &v.UpdatedAt); err != nil {
		return nil, err
	}
	m, err := decodeMap(report)
	if err != nil {
		return nil, err
	}
	v.ValidationReport = m
	return v, nil
}

// ActivateVersion 将版本设为规则的当前版本；FAIL 版本不可启用
func (r *RuleRepository) ActivateVersion(ctx context.Context, ruleID, versionID uuid.UUID) (*model.Rule, error) {
	v, err := r.GetRuleVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if v.RuleID != ruleID {
		return nil, apperrors.NotFound("规则版本", versionID.String())
	}
	if v.ValidationStatus == model.ValidationFail {
		issues, _ := v.ValidationReport["issues"].([]interface{})
		msgs := make([]string, 0, len(issues))
		for _, it := range issues {
			msgs = append(msgs, fmt.Sprint(it))
		}
		return nil, apperrors.RuleDSLInvalid(ruleID.String(), msgs)
	}
	if _, err := r.db.ExecContext(ctx, `
		UPDATE rules SET current_version_id = $2, updated_at = $3 WHERE id = $1
	`, ruleID, versionID, now()); err != nil {
		return nil, dbError(err, "启用规则版本失败")
	}
	return r.GetRule(ctx, ruleID)
}

// CreateTemplate 创建规则模板
func (r *RuleRepository) CreateTemplate(ctx context.Context, t *model.Template) error {
	touch(&t.BaseModel)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO templates (id, name, hospital_id, department_code, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, t.ID, t.Name, nullUUID(t.HospitalID), t.DepartmentCode, t.IsActive, t.CreatedAt, t.UpdatedAt)
	return dbError(err, "创建模板失败")
}

// LinkTemplateRule 关联模板与规则，已存在时覆盖
func (r *RuleRepository) LinkTemplateRule(ctx context.Context, link model.TemplateRuleLink) error {
	overrides, err := jsonText(link.Overrides)
	if err != nil {
		return err
	}
	return withTx(ctx, r.db, func(q DB) error {
		if _, err := q.ExecContext(ctx, `
			DELETE FROM template_rule_links WHERE template_id = $1 AND rule_id = $2
		`, link.TemplateID, link.RuleID); err != nil {
			return dbError(err, "更新模板关联失败")
		}
		_, err := q.ExecContext(ctx, `
			INSERT INTO template_rule_links (template_id, rule_id, included, overrides) VALUES ($1, $2, $3, $4)
		`, link.TemplateID, link.RuleID, link.Included, overrides)
		return dbError(err, "创建模板关联失败")
	})
}

// ListTemplateLinks 列出模板关联的规则
func (r *RuleRepository) ListTemplateLinks(ctx context.Context, templateID uuid.UUID) ([]model.TemplateRuleLink, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT template_id, rule_id, included, overrides FROM template_rule_links
		WHERE template_id = $1 ORDER BY rule_id
	`, templateID)
	if err != nil {
		return nil, dbError(err, "查询模板关联失败")
	}
	defer rows.Close()

	var out []model.TemplateRuleLink
	for rows.Next() {
		var link model.TemplateRuleLink
		var overrides []byte
		if err := rows.Scan(&link.TemplateID, &link.RuleID, &link.Included, &overrides); err != nil {
			return nil, fmt.Errorf("扫描模板关联失败: %w", err)
		}
		var o model.LinkOverrides
		if err := decodeJSON(overrides, &o); err != nil {
			return nil, err
		}
		if o.Priority != nil || o.Enabled != nil {
			link.Overrides = &o
		}
		out = append(out, link)
	}
	return out, rows.Err()
}
