package features

import (
	"math"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// degradedPenalty is subtracted from extraction_quality for every field that
// was present but could not be read.
const degradedPenalty = 0.1

// builder accumulates features in a fixed order. Every schema emits every
// feature regardless of input so the vector length never depends on the
// document.
type builder struct {
	fields   domain.Fields
	text     string
	ocr      float64
	now      time.Time
	critical []string
	names    []string
	values   []float64
	degraded []string
}

func newBuilder(fields domain.Fields, text string, ocr float64, now time.Time, critical []string) *builder {
	if fields == nil {
		fields = domain.Fields{}
	}
	return &builder{fields: fields, text: text, ocr: ocr, now: now, critical: critical}
}

func (b *builder) add(name string, v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		v = 0
	}
	b.names = append(b.names, name)
	b.values = append(b.values, v)
}

func (b *builder) flag(name string, cond bool) {
	if cond {
		b.add(name, 1)
		return
	}
	b.add(name, 0)
}

func (b *builder) note(key string, kind fieldKind) {
	if kind == fieldMalformed {
		b.degraded = append(b.degraded, key)
	}
}

// str emits has_<name> and returns the value when it is present.
func (b *builder) str(name, key string) (string, bool) {
	s, kind := readString(b.fields, key)
	b.note(key, kind)
	b.flag("has_"+name, kind == fieldPresent)
	return s, kind == fieldPresent
}

// num emits has_<name> and returns the value when it is present.
func (b *builder) num(name, key string) (float64, bool) {
	v, kind := readNumber(b.fields, key)
	b.note(key, kind)
	b.flag("has_"+name, kind == fieldPresent)
	return v, kind == fieldPresent
}

func (b *builder) date(name, key string) (time.Time, bool) {
	t, kind := readDate(b.fields, key)
	b.note(key, kind)
	b.flag("has_"+name, kind == fieldPresent)
	return t, kind == fieldPresent
}

func (b *builder) boolean(name, key string) bool {
	v, kind := readBool(b.fields, key)
	b.note(key, kind)
	b.flag(name, kind == fieldPresent && v)
	return kind == fieldPresent && v
}

// norm emits v/ceiling, clamped to [0, 1].
func (b *builder) norm(name string, v, ceiling float64, ok bool) {
	if !ok || ceiling <= 0 {
		b.add(name, 0)
		return
	}
	b.add(name, domain.Clamp01(v/ceiling))
}

// finish appends the shared tail features and returns the vector.
func (b *builder) finish(docType domain.DocumentType) *domain.FeatureVector {
	ocr := b.ocr
	if v, kind := readNumber(b.fields, "ocr_confidence"); kind == fieldPresent && ocr == 0 {
		ocr = v
	}
	if ocr > 1 {
		ocr /= 100
	}
	b.add("ocr_confidence", domain.Clamp01(ocr))
	b.add("text_quality", textQuality(b.text))
	b.add("text_length", domain.Clamp01(float64(len(b.text))/2000))

	missing := 0
	for _, key := range b.critical {
		if !present(b.fields, key) {
			missing++
		}
	}
	if len(b.critical) > 0 {
		b.add("critical_missing_ratio", float64(missing)/float64(len(b.critical)))
	} else {
		b.add("critical_missing_ratio", 0)
	}
	b.add("extraction_quality", math.Max(0, 1-degradedPenalty*float64(len(b.degraded))))

	return &domain.FeatureVector{
		DocumentType: docType,
		Names:        b.names,
		Values:       b.values,
		Degraded:     b.degraded,
	}
}

// present reports whether a field carries a usable value.
func present(f domain.Fields, key string) bool {
	raw, ok := f[key]
	if !ok || raw == nil {
		return false
	}
	if s, isString := raw.(string); isString {
		return strings.TrimSpace(s) != ""
	}
	return true
}
