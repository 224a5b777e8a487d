// Package dsl 规则 DSL 文档模型
package dsl

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/paiban/nursesched/pkg/model"
)

// DefaultVersion 当前 DSL 版本
const DefaultVersion = "1.0"

// SupportedMajor 支持的主版本前缀
const SupportedMajor = "1."

// 权重上下限
const (
	WeightMin = 0
	WeightMax = 100000
)

// Scope 规则作用范围
type Scope struct {
	Type model.ScopeType `yaml:"type" json:"type"`
	ID   string          `yaml:"id,omitempty" json:"id,omitempty"`
}

// Document 一个版本化规则的 DSL 文档
type Document struct {
	DSLVersion  string         `yaml:"dsl_version" json:"dsl_version"`
	ID          string         `yaml:"id" json:"id"`
	Name        string         `yaml:"name" json:"name"`
	Scope       *Scope         `yaml:"scope" json:"scope"`
	Category    model.Category `yaml:"category,omitempty" json:"category,omitempty"`
	Type        model.Category `yaml:"type,omitempty" json:"-"`
	Priority    *int           `yaml:"priority" json:"priority"`
	Enabled     *bool          `yaml:"enabled" json:"enabled"`
	Weight      *float64       `yaml:"weight,omitempty" json:"weight,omitempty"`
	Tags        []string       `yaml:"tags,omitempty" json:"tags,omitempty"`
	Notes       string         `yaml:"notes,omitempty" json:"notes,omitempty"`
	Constraints []Item         `yaml:"constraints,omitempty" json:"constraints,omitempty"`
	Objectives  []Item         `yaml:"objectives,omitempty" json:"objectives,omitempty"`
}

// Item 约束或目标条目
type Item struct {
	ID      string                 `yaml:"id,omitempty" json:"id,omitempty"`
	Name    Name                   `yaml:"name" json:"name"`
	Params  map[string]interface{} `yaml:"params,omitempty" json:"params,omitempty"`
	Where   string                 `yaml:"where,omitempty" json:"where,omitempty"`
	ForEach string                 `yaml:"for_each,omitempty" json:"for_each,omitempty"`
	Message string                 `yaml:"message,omitempty" json:"message,omitempty"`
	Weight  *float64               `yaml:"weight,omitempty" json:"weight,omitempty"`
	// 旧格式把参数直接写在条目上
	Extra map[string]interface{} `yaml:",inline" json:"-"`
}

// EffectiveCategory 返回类别，兼容 type 别名
func (d *Document) EffectiveCategory() model.Category {
	c := d.Category
	if c == "" {
		c = d.Type
	}
	return model.Category(strings.ToUpper(string(c)))
}

// PriorityValue 返回优先级，缺省为 0
func (d *Document) PriorityValue() int {
	if d.Priority == nil {
		return 0
	}
	return *d.Priority
}

// IsEnabled 返回启用标记，缺省为 true
func (d *Document) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// ScopeType 返回范围类型
func (d *Document) ScopeType() model.ScopeType {
	if d.Scope == nil {
		return ""
	}
	return model.ScopeType(strings.ToUpper(string(d.Scope.Type)))
}

// ScopeID 返回范围引用
func (d *Document) ScopeID() string {
	if d.Scope == nil {
		return ""
	}
	return d.Scope.ID
}

// Items 返回当前类别生效的条目
func (d *Document) Items() []Item {
	if d.EffectiveCategory() == model.CategoryHard {
		return d.Constraints
	}
	return d.Objectives
}

// ItemWeight 返回条目权重，条目未设置时回退到文档权重
func (d *Document) ItemWeight(it Item) (float64, bool) {
	if it.Weight != nil {
		return *it.Weight, true
	}
	if d.Weight != nil {
		return *d.Weight, true
	}
	return 0, false
}

// ItemKey 条目标识，未填写 id 时使用序号
func ItemKey(it Item, idx int) string {
	if it.ID != "" {
		return it.ID
	}
	return fmt.Sprintf("%s#%d", it.Name, idx)
}

// Parse 解析 YAML 或 JSON 文本
func Parse(text string) (*Document, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("DSL 为空")
	}
	var root yaml.Node
	if err := yaml.Unmarshal([]byte(text), &root); err != nil {
		return nil, fmt.Errorf("DSL 解析失败: %w", err)
	}
	if len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("根节点必须为 object")
	}
	var doc Document
	if err := root.Content[0].Decode(&doc); err != nil {
		return nil, fmt.Errorf("DSL 结构错误: %w", err)
	}
	return &doc, nil
}

// Marshal 序列化为 YAML
func Marshal(doc *Document) (string, error) {
	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Hash 计算 DSL 文本哈希
func Hash(text string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(text)))
	return hex.EncodeToString(sum[:])
}
