package models

import "regexp"

// ValueType is the exposition type of a metric.
type ValueType string

const (
	Counter ValueType = "counter"
	Gauge   ValueType = "gauge"
)

// Valid reports whether t is a known value type.
func (t ValueType) Valid() bool {
	return t == Counter || t == Gauge
}

// MetricDefinition is a single field-extraction rule. It is immutable after
// the definition table is loaded.
type MetricDefinition struct {
	// MetricName is the exposed metric name, e.g. "cpu_usage".
	MetricName string

	// SourceKey is the reply field the value is read from, e.g. "cpu-idle".
	SourceKey string

	// Category names the owning Category.
	Category string

	ValueType ValueType

	// Transform names an entry in the transform registry. Empty means the raw
	// value is coerced to a float directly.
	Transform string

	// LabelWrapper lists the reply fields copied into labels, in order.
	LabelWrapper []string

	// Specific marks a composite rule whose transform receives the whole
	// sub-record instead of the single SourceKey value.
	Specific bool

	Description string
}

// Request describes how a category is queried from a device. Each driver uses
// the part it understands.
type Request struct {
	// Command is the operational CLI command (SSH driver).
	Command string

	// Get maps a field name to a scalar OID (SNMP driver).
	Get map[string]string

	// Walk maps a column name to a table column OID (SNMP driver).
	Walk map[string]string
}

// Empty reports whether r carries nothing to query.
func (r Request) Empty() bool {
	return r.Command == "" && len(r.Get) == 0 && len(r.Walk) == 0
}

// Category is a named group of definitions sharing one extraction shape.
type Category struct {
	Name    string
	Request Request

	// Path is a dot-separated path selecting the reply subtree the category
	// reads from. Empty selects the whole reply.
	Path string

	// Iterate selects the iterative shape: the subtree maps entity name to
	// sub-record (or is a list of sub-records named by EntityKey).
	Iterate bool

	// EntityLabel is the label the entity name is injected as, e.g. "cpu".
	EntityLabel string

	// EntityFormat formats the entity name into the label value, e.g.
	// "cpu_%s". Empty uses the name verbatim.
	EntityFormat string

	// EntityKey names the record field holding the entity name when the
	// subtree is a list.
	EntityKey string

	// EntityFilter keeps only entities matching at least one expression.
	EntityFilter []*regexp.Regexp

	LabelWrapper []string
	Definitions  []MetricDefinition
}

// DefinitionTable is the ordered, read-only set of categories.
type DefinitionTable struct {
	Categories []Category

	byName   map[string]int
	byMetric map[string]MetricDefinition
}

// NewDefinitionTable indexes categories. The slice is retained.
func NewDefinitionTable(categories []Category) *DefinitionTable {
	t := &DefinitionTable{
		Categories: categories,
		byName:     make(map[string]int, len(categories)),
		byMetric:   make(map[string]MetricDefinition),
	}
	for i, c := range categories {
		t.byName[c.Name] = i
		for _, d := range c.Definitions {
			if _, ok := t.byMetric[d.MetricName]; !ok {
				t.byMetric[d.MetricName] = d
			}
		}
	}
	return t
}

// Category returns the category with the given name.
func (t *DefinitionTable) Category(name string) (Category, bool) {
	if t == nil {
		return Category{}, false
	}
	i, ok := t.byName[name]
	if !ok {
		return Category{}, false
	}
	return t.Categories[i], true
}

// Describe returns the help text and value type of the first definition that
// produces the named metric.
func (t *DefinitionTable) Describe(metric string) (string, ValueType, bool) {
	if t == nil {
		return "", "", false
	}
	d, ok := t.byMetric[metric]
	if !ok {
		return "", "", false
	}
	return d.Description, d.ValueType, true
}

// Len returns the number of definitions across all categories.
func (t *DefinitionTable) Len() int {
	if t == nil {
		return 0
	}
	n := 0
	for _, c := range t.Categories {
		n += len(c.Definitions)
	}
	return n
}
