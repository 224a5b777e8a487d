package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/paiban/nursesched/pkg/model"
)

// ContentHash 对规范化的条目列表计算哈希，与选择顺序和重复无关
func ContentHash(items []model.BundleItem) string {
	lines := make([]string, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		enabled := 0
		if it.EnabledAtTime {
			enabled = 1
		}
		line := fmt.Sprintf("%s|%s|%s|%s|%s|%d|%d",
			it.Layer, it.RuleID, it.RuleVersionID, it.DSLHash, it.Category, it.PriorityAtTime, enabled)
		if seen[line] {
			continue
		}
		seen[line] = true
		lines = append(lines, line)
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}
