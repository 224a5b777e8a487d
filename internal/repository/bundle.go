package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	apperrors "github.com/paiban/nursesched/pkg/errors"
	"github.com/paiban/nursesched/pkg/model"
)

// BundleRepository 规则包仓储。规则包只追加，不修改
type BundleRepository struct {
	db DB
}

// NewBundleRepository 创建规则包仓储
func NewBundleRepository(db DB) *BundleRepository {
	return &BundleRepository{db: db}
}

// CreateBundle 在一个事务内写入规则包与全部条目
func (r *BundleRepository) CreateBundle(ctx context.Context, b *model.RuleBundle) error {
	touch(&b.BaseModel)
	report, err := jsonText(b.ValidationReport)
	if err != nil {
		return err
	}
	source, err := jsonText(b.SourceConfig)
	if err != nil {
		return err
	}
	return withTx(ctx, r.db, func(q DB) error {
		query := `
			INSERT INTO rule_bundles (
				id, period_id, name, content_hash, validation_status, validation_report, source_config, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`
		if _, err := q.ExecContext(ctx, query,
			b.ID, b.PeriodID, b.Name, b.ContentHash, b.ValidationStatus, report, source, b.CreatedAt, b.UpdatedAt,
		); err != nil {
			return dbError(err, "创建规则包失败")
		}
		for i := range b.Items {
			it := &b.Items[i]
			it.BundleID = b.ID
			exclusions := "[]"
			if len(it.Exclusions) > 0 {
				if exclusions, err = jsonText(it.Exclusions); err != nil {
					return err
				}
			}
			if _, err := q.ExecContext(ctx, `
				INSERT INTO bundle_items (
					bundle_id, seq, layer, rule_id, rule_version_id, dsl_hash, category, priority_at_time, enabled_at_time, exclusions
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			`, it.BundleID, it.Seq, it.Layer, it.RuleID, it.RuleVersionID, it.DSLHash, it.Category,
				it.PriorityAtTime, it.EnabledAtTime, exclusions); err != nil {
				return dbError(err, "写入规则包条目失败")
			}
		}
		return nil
	})
}

// GetBundle 获取规则包及其条目
func (r *BundleRepository) GetBundle(ctx context.Context, id uuid.UUID) (*model.RuleBundle, error) {
	return getBundle(ctx, r.db, id)
}

func getBundle(ctx context.Context, q DB, id uuid.UUID) (*model.RuleBundle, error) {
	b := &model.RuleBundle{}
	var report, source []byte
	err := q.QueryRowContext(ctx, `
		SELECT id, period_id, name, content_hash, validation_status, validation_report, source_config, created_at, updated_at
		FROM rule_bundles WHERE id = $1
	`, id).Scan(&b.ID, &b.PeriodID, &b.Name, &b.ContentHash, &b.ValidationStatus, &report, &source, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "规则包", id)
	}
	if b.ValidationReport, err = decodeMap(report); err != nil {
		return nil, err
	}
	if b.SourceConfig, err = decodeMap(source); err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, `
		SELECT bundle_id, seq, layer, rule_id, rule_version_id, dsl_hash, category, priority_at_time, enabled_at_time, exclusions
		FROM bundle_items WHERE bundle_id = $1 ORDER BY seq
	`, id)
	if err != nil {
		return nil, dbError(err, "查询规则包条目失败")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			it         model.BundleItem
			exclusions []byte
		)
		if err := rows.Scan(&it.BundleID, &it.Seq, &it.Layer, &it.RuleID, &it.RuleVersionID, &it.DSLHash,
			&it.Category, &it.PriorityAtTime, &it.EnabledAtTime, &exclusions); err != nil {
			return nil, fmt.Errorf("扫描规则包条目失败: %w", err)
		}
		if err := decodeJSON(exclusions, &it.Exclusions); err != nil {
			return nil, err
		}
		b.Items = append(b.Items, it)
	}
	return b, rows.Err()
}

// GetActiveBundle 获取周期启用中的规则包，未设置时返回 nil
func (r *BundleRepository) GetActiveBundle(ctx context.Context, periodID uuid.UUID) (*model.RuleBundle, error) {
	p, err := getPeriod(ctx, r.db, periodID)
	if err != nil {
		return nil, err
	}
	if p.ActiveBundleID == nil {
		return nil, nil
	}
	return getBundle(ctx, r.db, *p.ActiveBundleID)
}

// ActivateBundle 将规则包设为所属周期的启用规则包。FAIL 状态的规则包不可启用
func (r *BundleRepository) ActivateBundle(ctx context.Context, bundleID uuid.UUID) (*model.RuleBundle, error) {
	b, err := getBundle(ctx, r.db, bundleID)
	if err != nil {
		return nil, err
	}
	if b.ValidationStatus == model.ValidationFail {
		return nil, apperrors.New(apperrors.CodeRuleDSLInvalid, "规则包校验未通过，不能启用").
			WithField("bundle_id", bundleID.String())
	}
	if err := setActiveBundle(ctx, r.db, b.PeriodID, b.ID); err != nil {
		return nil, err
	}
	return b, nil
}
