// Package export 把排班版本导出为 Excel
package export

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/paiban/nursesched/pkg/model"
)

const (
	gridSheet    = "排班表"
	countSheet   = "每日人数"
	summarySheet = "汇总"
)

var weekdayNames = [...]string{"日", "一", "二", "三", "四", "五", "六"}

// Workbook 生成护理人员 × 日期的排班表，附每日人数与汇总
func Workbook(plan *model.Plan, v *model.ScheduleVersion) (*excelize.File, error) {
	days, err := plan.Period.DateRange.Days()
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	idx, err := f.NewSheet(gridSheet)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	f.SetActiveSheet(idx)
	_ = f.DeleteSheet("Sheet1")

	g := newGrid(plan, v)
	if err := writeGrid(f, plan, v, g, days); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := writeCounts(f, plan, g, days); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := writeSummary(f, plan, v); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

// Write 生成并写出 xlsx
func Write(w io.Writer, plan *model.Plan, v *model.ScheduleVersion) error {
	f, err := Workbook(plan, v)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Write(w)
}

type grid struct {
	cells  map[uuid.UUID]map[string]model.Assignment
	nurses []*model.Nurse
}

// newGrid 计划内的人员在前，其余按工号排序
func newGrid(plan *model.Plan, v *model.ScheduleVersion) *grid {
	g := &grid{cells: make(map[uuid.UUID]map[string]model.Assignment)}
	for _, a := range v.Assignments {
		row, ok := g.cells[a.NurseID]
		if !ok {
			row = make(map[string]model.Assignment)
			g.cells[a.NurseID] = row
		}
		row[a.Date] = a
	}

	seen := make(map[uuid.UUID]bool, len(plan.Nurses))
	for _, n := range plan.Nurses {
		seen[n.ID] = true
		g.nurses = append(g.nurses, n)
	}
	var extra []*model.Nurse
	for id := range g.cells {
		if !seen[id] {
			extra = append(extra, &model.Nurse{BaseModel: model.BaseModel{ID: id}, StaffNo: id.String()})
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i].StaffNo < extra[j].StaffNo })
	g.nurses = append(g.nurses, extra...)
	return g
}

func cell(col, row int) string {
	name, _ := excelize.CoordinatesToCellName(col, row)
	return name
}

func writeGrid(f *excelize.File, plan *model.Plan, v *model.ScheduleVersion, g *grid, days []time.Time) error {
	header, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 11, Color: "#FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#4472C4"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center", WrapText: true},
	})
	if err != nil {
		return err
	}
	weekend, err := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#FCE4D6"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if err != nil {
		return err
	}
	locked, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#E2EFDA"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if err != nil {
		return err
	}
	center, err := f.NewStyle(&excelize.Style{Alignment: &excelize.Alignment{Horizontal: "center"}})
	if err != nil {
		return err
	}

	work := plan.WorkShifts()
	lastCol := 2 + len(days) + len(work) + 1

	_ = f.SetCellValue(gridSheet, "A1", fmt.Sprintf("%s 排班表（%s ~ %s）", plan.Period.Name, plan.Period.DateRange.StartDate, plan.Period.DateRange.EndDate))
	_ = f.MergeCell(gridSheet, "A1", cell(lastCol, 1))
	_ = f.SetCellStyle(gridSheet, "A1", "A1", header)

	_ = f.SetCellValue(gridSheet, "A2", "工号")
	_ = f.SetCellValue(gridSheet, "B2", "姓名")
	_ = f.SetColWidth(gridSheet, "A", "A", 10)
	_ = f.SetColWidth(gridSheet, "B", "B", 12)
	for i, d := range days {
		_ = f.SetCellValue(gridSheet, cell(3+i, 2), fmt.Sprintf("%s\n%s", d.Format("01-02"), weekdayNames[d.Weekday()]))
	}
	first, _ := excelize.ColumnNumberToName(3)
	last, _ := excelize.ColumnNumberToName(2 + len(days))
	_ = f.SetColWidth(gridSheet, first, last, 6)
	for i, s := range work {
		_ = f.SetCellValue(gridSheet, cell(3+len(days)+i, 2), s.Name)
	}
	_ = f.SetCellValue(gridSheet, cell(lastCol, 2), "休息")
	_ = f.SetCellStyle(gridSheet, "A2", cell(lastCol, 2), header)
	_ = f.SetRowHeight(gridSheet, 2, 30)

	for r, n := range g.nurses {
		row := 3 + r
		_ = f.SetCellValue(gridSheet, cell(1, row), n.StaffNo)
		_ = f.SetCellValue(gridSheet, cell(2, row), n.Name)

		counts := make(map[string]int)
		off := 0
		for i, d := range days {
			date := model.FormatDate(d)
			ref := cell(3+i, row)
			style := center
			if model.IsWeekend(d) {
				style = weekend
			}
			a, ok := g.cells[n.ID][date]
			if !ok {
				_ = f.SetCellStyle(gridSheet, ref, ref, style)
				continue
			}
			_ = f.SetCellValue(gridSheet, ref, a.ShiftCode)
			if a.Locked {
				style = locked
			}
			_ = f.SetCellStyle(gridSheet, ref, ref, style)
			if isOff(plan, a.ShiftCode) {
				off++
			} else {
				counts[a.ShiftCode]++
			}
		}
		for i, s := range work {
			_ = f.SetCellValue(gridSheet, cell(3+len(days)+i, row), counts[s.Code])
		}
		_ = f.SetCellValue(gridSheet, cell(lastCol, row), off)
	}

	return f.SetPanes(gridSheet, &excelize.Panes{
		Freeze:      true,
		XSplit:      2,
		YSplit:      2,
		TopLeftCell: "C3",
		ActivePane:  "bottomRight",
	})
}

func writeCounts(f *excelize.File, plan *model.Plan, g *grid, days []time.Time) error {
	if _, err := f.NewSheet(countSheet); err != nil {
		return err
	}
	work := plan.WorkShifts()
	required := make(map[string]int)
	for _, d := range plan.Demands {
		if d.SkillCode == "" {
			required[d.Date+"|"+d.ShiftCode] += d.Required
		}
	}

	_ = f.SetCellValue(countSheet, "A1", "日期")
	_ = f.SetCellValue(countSheet, "B1", "星期")
	for i, s := range work {
		_ = f.SetCellValue(countSheet, cell(3+2*i, 1), s.Name+" 实排")
		_ = f.SetCellValue(countSheet, cell(4+2*i, 1), s.Name+" 需求")
	}
	for r, d := range days {
		date := model.FormatDate(d)
		row := 2 + r
		_ = f.SetCellValue(countSheet, cell(1, row), date)
		_ = f.SetCellValue(countSheet, cell(2, row), weekdayNames[d.Weekday()])
		for i, s := range work {
			n := 0
			for _, cells := range g.cells {
				if a, ok := cells[date]; ok && a.ShiftCode == s.Code {
					n++
				}
			}
			_ = f.SetCellValue(countSheet, cell(3+2*i, row), n)
			_ = f.SetCellValue(countSheet, cell(4+2*i, row), required[date+"|"+s.Code])
		}
	}
	return f.SetColWidth(countSheet, "A", "A", 12)
}

func writeSummary(f *excelize.File, plan *model.Plan, v *model.ScheduleVersion) error {
	if _, err := f.NewSheet(summarySheet); err != nil {
		return err
	}
	rows := [][2]interface{}{
		{"排班周期", plan.Period.Name},
		{"版本", v.ID.String()},
		{"状态", string(v.Status)},
		{"目标值", v.Objective},
		{"分配数", len(v.Assignments)},
	}
	keys := make([]string, 0, len(v.Summary))
	for k := range v.Summary {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch val := v.Summary[k].(type) {
		case string, bool, int, int64, float64:
			rows = append(rows, [2]interface{}{k, val})
		}
	}
	for i, r := range rows {
		_ = f.SetCellValue(summarySheet, cell(1, i+1), r[0])
		_ = f.SetCellValue(summarySheet, cell(2, i+1), r[1])
	}
	return f.SetColWidth(summarySheet, "A", "B", 24)
}

func isOff(plan *model.Plan, code string) bool {
	for _, s := range plan.Shifts {
		if s.Code == code {
			return s.IsOff()
		}
	}
	return code == model.OffCode
}
