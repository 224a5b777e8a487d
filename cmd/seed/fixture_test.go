package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paiban/nursesched/internal/database"
	"github.com/paiban/nursesched/internal/repository"
	"github.com/paiban/nursesched/internal/rulelib"
	"github.com/paiban/nursesched/pkg/model"
)

func newStore(t *testing.T) *repository.Store {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "seed.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return repository.NewStore(db)
}

func loadSample(t *testing.T) *Fixture {
	t.Helper()
	f, err := os.Open(filepath.Join("testdata", "icu.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	fx, err := ParseFixture(f)
	if err != nil {
		t.Fatalf("ParseFixture() error = %v", err)
	}
	return fx
}

func TestParseFixture(t *testing.T) {
	fx := loadSample(t)
	if len(fx.Nurses) != 6 || len(fx.Shifts) != 4 || len(fx.Periods) != 1 {
		t.Fatalf("nurses = %d, shifts = %d, periods = %d", len(fx.Nurses), len(fx.Shifts), len(fx.Periods))
	}
	if !fx.Shifts[3].Off || !fx.Shifts[2].Night {
		t.Errorf("班别标记解析错误: %+v", fx.Shifts)
	}

	_, err := ParseFixture(strings.NewReader("nurses:\n  - {staff_no: A01, unknown: 1}\n"))
	if err == nil {
		t.Error("未知字段应报错")
	}
}

func TestLoader_Load(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	sum, err := NewLoader(store).Load(ctx, loadSample(t), nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if sum.Nurses != 6 || sum.Shifts != 4 || sum.Rules != 1 {
		t.Errorf("summary = %+v", sum)
	}

	periodID, ok := sum.Periods["ICU 2026年3月第1周"]
	if !ok {
		t.Fatal("缺少周期")
	}
	demands, err := store.ListDemands(ctx, periodID)
	if err != nil {
		t.Fatal(err)
	}
	// 白班与大夜展开到 7 天，小夜只有周末两天
	if len(demands) != 16 {
		t.Errorf("demands = %d, want 16", len(demands))
	}
	locks, err := store.ListLocks(ctx, periodID)
	if err != nil {
		t.Fatal(err)
	}
	if len(locks) != 1 || locks[0].ShiftCode != model.OffCode {
		t.Errorf("locks = %+v", locks)
	}

	period, err := store.GetPeriod(ctx, periodID)
	if err != nil {
		t.Fatal(err)
	}
	if period.ActiveBundleID == nil || *period.ActiveBundleID != sum.Bundles["ICU 2026年3月第1周"] {
		t.Errorf("ActiveBundleID = %v, want %v", period.ActiveBundleID, sum.Bundles["ICU 2026年3月第1周"])
	}
	b, err := store.GetBundle(ctx, *period.ActiveBundleID)
	if err != nil {
		t.Fatal(err)
	}
	if len(b.Items) != 1 || b.ValidationStatus == model.ValidationFail {
		t.Errorf("bundle items = %d, status = %s", len(b.Items), b.ValidationStatus)
	}
}

func TestLoader_WithLibrary(t *testing.T) {
	fx := loadSample(t)
	fx.Periods = nil
	sum, err := NewLoader(newStore(t)).Load(context.Background(), fx, &rulelib.Options{})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if sum.Rules <= 1 {
		t.Errorf("rules = %d, 内置规则未写入", sum.Rules)
	}
}

func TestLoader_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(fx *Fixture)
		want   string
	}{
		{"锁定格工号未知", func(fx *Fixture) { fx.Periods[0].Locks[0].StaffNo = "Z99" }, "Z99"},
		{"周期日期无效", func(fx *Fixture) { fx.Periods[0].EndDate = "2026-02-30" }, "日期无效"},
		{"规则未通过校验", func(fx *Fixture) {
			fx.Rules[0].DSL = strings.Replace(fx.Rules[0].DSL, "shift_code: E", "shift_code: X", 1)
		}, "校验未通过"},
		{"医院ID无效", func(fx *Fixture) { fx.Departments[0].HospitalID = "not-a-uuid" }, "hospital_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := loadSample(t)
			tt.mutate(fx)
			_, err := NewLoader(newStore(t)).Load(context.Background(), fx, nil)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want contains %q", err, tt.want)
			}
		})
	}
}
