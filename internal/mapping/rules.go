package mapping

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const arraySuffix = "[]"

// Rule maps one vendor field onto one canonical dotted path.
// Params: Target canonical path; Source vendor dotted path; Array forces sequence output.
// Returns: immutable rule used by Mapper.
type Rule struct {
	Target string
	Source string
	Array  bool
}

type ruleFile struct {
	FieldMappings []ruleEntry `yaml:"field_mappings"`
	Mappings      yaml.Node   `yaml:"mappings"`
}

type ruleEntry struct {
	ECSField    string `yaml:"ecs_field"`
	CortexField string `yaml:"cortex_field"`
	Array       bool   `yaml:"array"`
}

// LoadRules reads a YAML mapping table from path.
// Params: path to YAML file with field_mappings list and/or ordered mappings map.
// Returns: rules in document order or read/decode/validation error.
func LoadRules(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mapping file %q: %w", path, err)
	}
	rules, err := ParseRules(raw)
	if err != nil {
		return nil, fmt.Errorf("mapping file %q: %w", path, err)
	}
	return rules, nil
}

// ParseRules decodes a YAML mapping table.
// Params: raw YAML bytes.
// Returns: rules (list entries first, then map entries, both in document order).
func ParseRules(raw []byte) ([]Rule, error) {
	var file ruleFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode YAML: %w", err)
	}

	rules := make([]Rule, 0, len(file.FieldMappings))
	for idx, entry := range file.FieldMappings {
		rule, err := newRule(entry.ECSField, entry.CortexField, entry.Array)
		if err != nil {
			return nil, fmt.Errorf("field_mappings[%d]: %w", idx, err)
		}
		rules = append(rules, rule)
	}

	mapped, err := parseOrderedMappings(&file.Mappings)
	if err != nil {
		return nil, err
	}
	return append(rules, mapped...), nil
}

// parseOrderedMappings walks the mappings node pairwise to keep YAML key order.
func parseOrderedMappings(node *yaml.Node) ([]Rule, error) {
	if node == nil || node.Kind == 0 {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("mappings: expected a mapping, got %s", nodeKind(node))
	}

	rules := make([]Rule, 0, len(node.Content)/2)
	for idx := 0; idx+1 < len(node.Content); idx += 2 {
		keyNode, valueNode := node.Content[idx], node.Content[idx+1]
		if valueNode.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("mappings.%s: source must be a scalar field name", keyNode.Value)
		}
		rule, err := newRule(keyNode.Value, valueNode.Value, false)
		if err != nil {
			return nil, fmt.Errorf("mappings.%s: %w", keyNode.Value, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func newRule(target, source string, array bool) (Rule, error) {
	target = strings.TrimSpace(target)
	source = strings.TrimSpace(source)
	if strings.HasSuffix(target, arraySuffix) {
		target = strings.TrimSuffix(target, arraySuffix)
		array = true
	}
	if target == "" {
		return Rule{}, fmt.Errorf("ecs field is empty")
	}
	if source == "" {
		return Rule{}, fmt.Errorf("source field is empty for %q", target)
	}
	for _, segment := range strings.Split(target, ".") {
		if segment == "" {
			return Rule{}, fmt.Errorf("ecs field %q has an empty segment", target)
		}
	}
	return Rule{Target: target, Source: source, Array: array}, nil
}

func nodeKind(node *yaml.Node) string {
	switch node.Kind {
	case yaml.SequenceNode:
		return "sequence"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	case yaml.DocumentNode:
		return "document"
	default:
		return "mapping"
	}
}
