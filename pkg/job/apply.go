package job

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/paiban/nursesched/pkg/errors"
	"github.com/paiban/nursesched/pkg/logger"
	"github.com/paiban/nursesched/pkg/model"
)

// Snapshot 发布时归档的版本快照
type Snapshot struct {
	JobID             uuid.UUID              `json:"job_id"`
	PeriodID          uuid.UUID              `json:"period_id"`
	PreviousVersionID *uuid.UUID             `json:"previous_version_id,omitempty"`
	Version           *model.ScheduleVersion `json:"version"`
	ArchivedAt        time.Time              `json:"archived_at"`
}

// ArchiveKey 快照对象键
func ArchiveKey(periodID, versionID uuid.UUID) string {
	return fmt.Sprintf("periods/%s/versions/%s.json", periodID, versionID)
}

// Applier 把成功任务的结果版本发布为周期当前版本
type Applier struct {
	store   Store
	archive Archive
}

// NewApplier 创建发布器，archive 为 nil 时不归档
func NewApplier(store Store, archive Archive) *Applier {
	return &Applier{store: store, archive: archive}
}

// Apply 发布任务结果。结果已是当前版本时直接返回已有发布记录
func (a *Applier) Apply(ctx context.Context, job *model.OptimizationJob) (*model.Publication, error) {
	if job.Status != model.JobSucceeded || job.ResultVersionID == nil {
		return nil, apperrors.Newf(apperrors.CodeConflictState, "任务状态为 %s，没有可发布的结果", job.Status).
			WithField("status", string(job.Status))
	}
	versionID := *job.ResultVersionID

	period, err := a.store.GetPeriod(ctx, job.PeriodID)
	if err != nil {
		return nil, err
	}
	current := period.PublishedVersionID != nil && *period.PublishedVersionID == versionID

	key := ""
	if a.archive != nil && !current {
		v, err := a.store.GetVersion(ctx, versionID)
		if err != nil {
			return nil, err
		}
		body, err := json.Marshal(Snapshot{
			JobID:             job.ID,
			PeriodID:          job.PeriodID,
			PreviousVersionID: period.PublishedVersionID,
			Version:           v,
			ArchivedAt:        time.Now().UTC(),
		})
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "序列化版本快照失败")
		}
		key = ArchiveKey(job.PeriodID, versionID)
		if err := a.archive.Put(ctx, key, body); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "归档版本快照失败")
		}
	}

	pub, created, err := a.store.PublishVersion(ctx, versionID, &job.ID, key)
	if err != nil {
		return nil, err
	}
	if created {
		logger.WithContext(ctx).Info().
			Str("job_id", job.ID.String()).
			Str("version_id", versionID.String()).
			Str("archive_key", key).
			Msg("排班版本已发布")
	}
	return pub, nil
}
