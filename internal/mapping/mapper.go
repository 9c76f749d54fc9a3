package mapping

import (
	"fmt"
	"time"

	"xdrforward/internal/normalize"
)

const (
	// DefaultRawField is the reserved key holding the untouched vendor document.
	DefaultRawField = "raw"

	fieldCreationTime = "creation_time"
	fieldTimestamp    = "@timestamp"
	fieldSeverity     = "event.severity"
)

var (
	idFields     = []string{"alert_id", "incident_id"}
	actionFields = []string{"name", "description"}
)

// Observer is static metadata about the product that produced the events.
type Observer struct {
	Product string
	Vendor  string
	Type    string
}

// Agent is static metadata about the forwarder instance; empty fields are omitted.
type Agent struct {
	Name     string
	Type     string
	Version  string
	ID       string
	Hostname string
}

// Options configures static parts of every canonical document.
// Params: observer/agent metadata, tags, reserved raw key, clock override.
// Returns: mapper settings.
type Options struct {
	Observer Observer
	Agent    Agent
	Tags     []string
	RawField string
	Now      func() time.Time
}

// Mapper converts raw vendor events into canonical documents.
// The rule set is fixed at construction and never mutated.
type Mapper struct {
	rules    []Rule
	observer Observer
	agent    Agent
	tags     []string
	rawField string
	now      func() time.Time
}

// NewMapper builds a mapper with a read-only copy of rules.
// Params: rules mapping table; opts static document settings.
// Returns: mapper instance.
func NewMapper(rules []Rule, opts Options) *Mapper {
	copied := make([]Rule, len(rules))
	copy(copied, rules)

	rawField := opts.RawField
	if rawField == "" {
		rawField = DefaultRawField
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	tags := make([]string, len(opts.Tags))
	copy(tags, opts.Tags)

	return &Mapper{
		rules:    copied,
		observer: opts.Observer,
		agent:    opts.Agent,
		tags:     tags,
		rawField: rawField,
		now:      now,
	}
}

// Rules returns a copy of the active mapping table.
// Params: none.
// Returns: rules slice copy.
func (m *Mapper) Rules() []Rule {
	out := make([]Rule, len(m.rules))
	copy(out, m.rules)
	return out
}

// Map converts one raw event into a canonical document. It never fails:
// missing or malformed inputs degrade to omission or defaults.
// Params: raw vendor event.
// Returns: canonical document carrying raw under the reserved raw field.
func (m *Mapper) Map(raw RawEvent) Document {
	event := map[string]any{
		"severity": normalize.NormalizeSeverity(raw["severity"]),
		"category": DetermineCategory(raw),
		"kind":     "alert",
		"outcome":  "unknown",
	}
	if id, ok := firstPresent(raw, idFields); ok {
		event["id"] = stringify(id)
	}
	if action, ok := firstPresent(raw, actionFields); ok {
		event["action"] = action
	}

	doc := Document{
		fieldTimestamp: m.timestamp(raw),
		"event":        event,
		"observer":     m.observerFields(),
	}
	if len(m.tags) > 0 {
		tags := make([]any, len(m.tags))
		for idx, tag := range m.tags {
			tags[idx] = tag
		}
		doc["tags"] = tags
	}
	if agent := m.agentFields(); len(agent) > 0 {
		doc["agent"] = agent
	}

	setIfPresent(doc, raw, "source_ip", "source.ip")
	setIfPresent(doc, raw, "user_name", "user.name")
	setIfPresent(doc, raw, "host_name", "host.name")

	for _, rule := range m.rules {
		value, ok := Lookup(raw, rule.Source)
		if !ok || value == nil {
			continue
		}
		value = convertTarget(rule.Target, value)
		if rule.Array && !isSequence(value) {
			value = []any{value}
		}
		setPath(doc, rule.Target, value)
	}

	if !forcePath(doc, m.rawField, map[string]any(raw)) {
		doc[DefaultRawField] = map[string]any(raw)
	}
	return doc
}

// timestamp derives @timestamp from creation_time, falling back to the clock.
func (m *Mapper) timestamp(raw RawEvent) string {
	if value, ok := raw[fieldCreationTime]; ok && value != nil {
		if ms, err := normalize.EpochMillis(value); err == nil {
			return normalize.EpochMillisToISO8601(ms)
		}
	}
	return normalize.EpochMillisToISO8601(m.now().UnixMilli())
}

func (m *Mapper) observerFields() map[string]any {
	out := map[string]any{
		"product": m.observer.Product,
		"vendor":  m.observer.Vendor,
	}
	if m.observer.Type != "" {
		out["type"] = m.observer.Type
	}
	return out
}

func (m *Mapper) agentFields() map[string]any {
	out := make(map[string]any)
	fields := [][2]string{
		{"name", m.agent.Name},
		{"type", m.agent.Type},
		{"version", m.agent.Version},
		{"id", m.agent.ID},
		{"hostname", m.agent.Hostname},
	}
	for _, field := range fields {
		if field[1] != "" {
			out[field[0]] = field[1]
		}
	}
	return out
}

// convertTarget applies the same conversions the fixed fields get when a rule targets them.
func convertTarget(target string, value any) any {
	switch target {
	case fieldTimestamp:
		if ms, err := normalize.EpochMillis(value); err == nil {
			return normalize.EpochMillisToISO8601(ms)
		}
		return cloneValue(value)
	case fieldSeverity:
		return normalize.NormalizeSeverity(value)
	default:
		return cloneValue(value)
	}
}

func setIfPresent(doc Document, raw RawEvent, source, target string) {
	value, ok := raw[source]
	if !ok || isEmpty(value) {
		return
	}
	setPath(doc, target, cloneValue(value))
}

func firstPresent(raw RawEvent, fields []string) (any, bool) {
	for _, field := range fields {
		if value, ok := raw[field]; ok && !isEmpty(value) {
			return value, true
		}
	}
	return nil, false
}

func stringify(value any) any {
	switch typed := value.(type) {
	case string:
		return typed
	case fmt.Stringer:
		return typed.String()
	case float64:
		return fmt.Sprintf("%.0f", typed)
	case int, int64, int32, uint64, uint32:
		return fmt.Sprint(typed)
	default:
		return value
	}
}
