package metrics

import (
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/vpbank/network_exporter/models"
)

// DefaultEntityLabel is injected for iterative categories without an explicit
// entity label.
const DefaultEntityLabel = "entity"

// ExtractionError describes a single field that could not be turned into a
// sample. The remaining fields of the reply are still extracted.
type ExtractionError struct {
	Category string
	Metric   string
	Entity   string
	Err      error
}

func (e *ExtractionError) Error() string {
	var b strings.Builder
	b.WriteString("extract ")
	b.WriteString(e.Category)
	if e.Metric != "" {
		b.WriteString("/")
		b.WriteString(e.Metric)
	}
	if e.Entity != "" {
		b.WriteString(" entity ")
		b.WriteString(strconv.Quote(e.Entity))
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// ─────────────────────────────────────────────────────────────────────────────
// Extractor
// ─────────────────────────────────────────────────────────────────────────────

// Extractor walks raw device replies according to a category's definitions.
// It holds no per-reply state and is safe for concurrent use.
type Extractor struct {
	transforms *TransformRegistry
	logger     *slog.Logger
}

// NewExtractor creates an Extractor. A nil registry uses DefaultTransforms.
func NewExtractor(transforms *TransformRegistry, logger *slog.Logger) *Extractor {
	if transforms == nil {
		transforms = DefaultTransforms()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	return &Extractor{transforms: transforms, logger: logger}
}

// Extract yields the samples of cat found in raw. Per-field failures are
// logged and the affected sample is skipped.
func (e *Extractor) Extract(cat models.Category, raw any) iter.Seq[models.MetricSample] {
	return func(yield func(models.MetricSample) bool) {
		for s, err := range e.Walk(cat, raw) {
			if err != nil {
				e.logger.Warn("extract: skip field", "error", err.Error())
				continue
			}
			if !yield(s) {
				return
			}
		}
	}
}

// Walk yields every sample of cat found in raw, interleaved with an
// *ExtractionError for each field that failed. Definitions are visited in
// configured order; entities in natural order of their names.
func (e *Extractor) Walk(cat models.Category, raw any) iter.Seq2[models.MetricSample, error] {
	return func(yield func(models.MetricSample, error) bool) {
		sub, ok := selectPath(raw, cat.Path)
		if !ok {
			e.logger.Debug("extract: path not in reply", "category", cat.Name, "path", cat.Path)
			return
		}

		if !cat.Iterate {
			rec, ok := asRecord(sub)
			if !ok {
				yield(models.MetricSample{}, &ExtractionError{
					Category: cat.Name,
					Err:      fmt.Errorf("expected record, got %T", sub),
				})
				return
			}
			e.walkRecord(cat, "", nil, rec, yield)
			return
		}

		label := cat.EntityLabel
		if label == "" {
			label = DefaultEntityLabel
		}
		for _, ent := range entities(cat, sub) {
			if !keepEntity(cat, ent.name) {
				continue
			}
			rec, ok := asRecord(ent.value)
			if !ok {
				err := &ExtractionError{
					Category: cat.Name,
					Entity:   ent.name,
					Err:      fmt.Errorf("expected record, got %T", ent.value),
				}
				if !yield(models.MetricSample{}, err) {
					return
				}
				continue
			}
			entLabel := models.Label{Name: label, Value: formatEntity(cat.EntityFormat, ent.name)}
			if !e.walkRecord(cat, ent.name, &entLabel, rec, yield) {
				return
			}
		}
	}
}

// Collect drains Walk into slices.
func (e *Extractor) Collect(cat models.Category, raw any) ([]models.MetricSample, []error) {
	var (
		samples []models.MetricSample
		errs    []error
	)
	for s, err := range e.Walk(cat, raw) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		samples = append(samples, s)
	}
	return samples, errs
}

// walkRecord applies every definition of cat to one record. It returns false
// when the consumer stopped iterating.
func (e *Extractor) walkRecord(cat models.Category, entity string, entLabel *models.Label, rec map[string]any, yield func(models.MetricSample, error) bool) bool {
	for _, def := range cat.Definitions {
		val, present := rec[def.SourceKey]

		var input any
		switch {
		case def.Specific:
			if def.SourceKey != "" && !present {
				continue
			}
			input = rec
		case !present:
			continue
		default:
			input = val
		}

		value, err := e.apply(def, input)
		if err != nil {
			xerr := &ExtractionError{Category: cat.Name, Metric: def.MetricName, Entity: entity, Err: err}
			if !yield(models.MetricSample{}, xerr) {
				return false
			}
			continue
		}

		wrapper := def.LabelWrapper
		if wrapper == nil {
			wrapper = cat.LabelWrapper
		}
		labels := make([]models.Label, 0, len(wrapper)+1)
		if entLabel != nil {
			labels = append(labels, *entLabel)
		}
		for _, key := range wrapper {
			labels = append(labels, models.Label{Name: SanitizeLabelName(key), Value: labelValue(rec[key])})
		}

		if !yield(models.MetricSample{Name: def.MetricName, Value: value, Labels: labels}, nil) {
			return false
		}
	}
	return true
}

func (e *Extractor) apply(def models.MetricDefinition, input any) (float64, error) {
	if def.Transform == "" {
		if def.Specific {
			return 0, fmt.Errorf("composite definition without transform")
		}
		return ToFloat(input)
	}
	fn, err := e.transforms.Lookup(def.Transform)
	if err != nil {
		return 0, err
	}
	return fn(input)
}

// ─────────────────────────────────────────────────────────────────────────────
// Reply navigation
// ─────────────────────────────────────────────────────────────────────────────

type entity struct {
	name  string
	value any
}

// selectPath follows a dot-separated path through nested records. Single
// element lists are stepped through transparently.
func selectPath(raw any, path string) (any, bool) {
	cur := raw
	if path == "" {
		return cur, cur != nil
	}
	for _, part := range strings.Split(path, ".") {
		rec, ok := asRecord(cur)
		if !ok {
			return nil, false
		}
		cur, ok = rec[part]
		if !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

func asRecord(v any) (map[string]any, bool) {
	switch x := v.(type) {
	case map[string]any:
		return x, true
	case []any:
		if len(x) == 1 {
			return asRecord(x[0])
		}
	}
	return nil, false
}

// entities lists the iterable members of sub.
func entities(cat models.Category, sub any) []entity {
	switch x := sub.(type) {
	case map[string]any:
		if cat.EntityKey != "" {
			if _, ok := x[cat.EntityKey]; ok {
				return []entity{{name: labelValue(x[cat.EntityKey]), value: x}}
			}
		}
		names := make([]string, 0, len(x))
		for k := range x {
			names = append(names, k)
		}
		sort.Slice(names, func(i, j int) bool { return naturalLess(names[i], names[j]) })
		out := make([]entity, len(names))
		for i, n := range names {
			out[i] = entity{name: n, value: x[n]}
		}
		return out
	case []any:
		out := make([]entity, 0, len(x))
		for i, item := range x {
			name := strconv.Itoa(i)
			if cat.EntityKey != "" {
				if rec, ok := asRecord(item); ok {
					if v, ok := rec[cat.EntityKey]; ok {
						name = labelValue(v)
					}
				}
			}
			out = append(out, entity{name: name, value: item})
		}
		return out
	default:
		return nil
	}
}

func keepEntity(cat models.Category, name string) bool {
	if len(cat.EntityFilter) == 0 {
		return true
	}
	for _, re := range cat.EntityFilter {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

func formatEntity(format, name string) string {
	if format == "" {
		return name
	}
	return fmt.Sprintf(format, name)
}

// labelValue renders a reply value as a label value. Missing values become
// the empty string so the label set stays stable.
func labelValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

// SanitizeLabelName maps a reply field name such as "peer-address" onto a
// valid label name ("peer_address").
func SanitizeLabelName(key string) string {
	out := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, key)
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "_" + out
	}
	return out
}

// naturalLess orders strings with embedded numbers numerically, so "2" sorts
// before "10".
func naturalLess(a, b string) bool {
	for a != "" && b != "" {
		ad, bd := isDigit(a[0]), isDigit(b[0])
		switch {
		case ad && bd:
			an, arest := splitDigits(a)
			bn, brest := splitDigits(b)
			at, bt := strings.TrimLeft(an, "0"), strings.TrimLeft(bn, "0")
			if len(at) != len(bt) {
				return len(at) < len(bt)
			}
			if at != bt {
				return at < bt
			}
			a, b = arest, brest
		case a[0] != b[0]:
			return a[0] < b[0]
		default:
			a, b = a[1:], b[1:]
		}
	}
	return len(a) < len(b)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func splitDigits(s string) (string, string) {
	i := 0
	for i < len(s) && isDigit(s[i]) {
		i++
	}
	return s[:i], s[i:]
}

// noopWriter discards log output.
type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
