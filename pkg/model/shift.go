package model

import (
	"time"

	"github.com/google/uuid"
)

// ShiftKind 班别类型
type ShiftKind string

const (
	ShiftWork ShiftKind = "work"
	ShiftOff  ShiftKind = "off"
)

// ShiftCode 班别定义
type ShiftCode struct {
	BaseModel
	Code      string    `json:"code" db:"code"`
	Name      string    `json:"name" db:"name"`
	StartTime string    `json:"start_time,omitempty" db:"start_time"` // HH:MM
	EndTime   string    `json:"end_time,omitempty" db:"end_time"`     // HH:MM
	Kind      ShiftKind `json:"kind" db:"kind"`
	IsNight   bool      `json:"is_night" db:"is_night"`
	IsActive  bool      `json:"is_active" db:"is_active"`
}

// IsOff 是否休假班别
func (s *ShiftCode) IsOff() bool {
	return s.Kind == ShiftOff
}

// Assignment 一个 (护理人员, 日期) → 班别 的分配
type Assignment struct {
	VersionID uuid.UUID `json:"version_id" db:"version_id"`
	NurseID   uuid.UUID `json:"nurse_id" db:"nurse_id"`
	Date      string    `json:"date" db:"date"`
	ShiftCode string    `json:"shift_code" db:"shift_code"`
	Locked    bool      `json:"locked" db:"locked"`
}

// VersionStatus 排班版本状态
type VersionStatus string

const (
	VersionDraft     VersionStatus = "DRAFT"
	VersionPublished VersionStatus = "PUBLISHED"
)

// ScheduleVersion 不可变的排班结果集
type ScheduleVersion struct {
	BaseModel
	PeriodID      uuid.UUID     `json:"period_id" db:"period_id"`
	JobID         *uuid.UUID    `json:"job_id,omitempty" db:"job_id"`
	BaseVersionID *uuid.UUID    `json:"base_version_id,omitempty" db:"base_version_id"`
	BundleID      *uuid.UUID    `json:"bundle_id,omitempty" db:"bundle_id"`
	Status        VersionStatus `json:"status" db:"status"`
	Objective     int64         `json:"objective" db:"objective"`
	Summary       JSONMap       `json:"summary,omitempty" db:"summary"`
	Assignments   []Assignment  `json:"assignments,omitempty" db:"-"`
}

// Publication 发布记录，保留上一版本用于回滚
type Publication struct {
	ID                uuid.UUID  `json:"id" db:"id"`
	PeriodID          uuid.UUID  `json:"period_id" db:"period_id"`
	VersionID         uuid.UUID  `json:"version_id" db:"version_id"`
	JobID             *uuid.UUID `json:"job_id,omitempty" db:"job_id"`
	PreviousVersionID *uuid.UUID `json:"previous_version_id,omitempty" db:"previous_version_id"`
	ArchiveKey        string     `json:"archive_key,omitempty" db:"archive_key"`
	PublishedAt       time.Time  `json:"published_at" db:"published_at"`
}

// Grid 按 (护理人员, 日期) 索引分配
func (v *ScheduleVersion) Grid() map[uuid.UUID]map[string]string {
	grid := make(map[uuid.UUID]map[string]string)
	for _, a := range v.Assignments {
		row, ok := grid[a.NurseID]
		if !ok {
			row = make(map[string]string)
			grid[a.NurseID] = row
		}
		row[a.Date] = a.ShiftCode
	}
	return grid
}
