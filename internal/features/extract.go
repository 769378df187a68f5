// Package features turns normalized document fields into fixed-length
// numeric feature vectors and the validation flags the rule adjuster reads.
package features

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Extractor builds feature vectors. The zero value uses time.Now for the
// date-relative features.
type Extractor struct {
	Now func() time.Time
}

// NewExtractor creates an Extractor with the given clock.
func NewExtractor(now func() time.Time) *Extractor {
	return &Extractor{Now: now}
}

func (e *Extractor) now() time.Time {
	if e == nil || e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now()
}

// Extract builds the feature vector for a submission. Malformed fields never
// fail extraction: they fall back to the sentinel, are listed in Degraded and
// lower extraction_quality. The only error is an unknown document type.
func (e *Extractor) Extract(sub *domain.Submission) (*domain.FeatureVector, error) {
	schema, err := SchemaFor(sub.DocumentType)
	if err != nil {
		return nil, err
	}
	b := newBuilder(sub.Fields, sub.RawText, sub.OCRConfidence, e.now(), schema.CriticalFields)
	schema.extract(b)
	return b.finish(schema.Type), nil
}

// Validate computes the explicit red flags for a submission. Duplicate and
// VelocityCount depend on stored state and are filled in by the caller.
func (e *Extractor) Validate(sub *domain.Submission) (domain.ValidationFlags, error) {
	schema, err := SchemaFor(sub.DocumentType)
	if err != nil {
		return domain.ValidationFlags{}, err
	}
	fields := sub.Fields
	if fields == nil {
		fields = domain.Fields{}
	}

	flags := domain.ValidationFlags{SignatureRequired: schema.SignatureRequired}
	if signed, kind := readBool(fields, "signature"); kind == fieldPresent {
		flags.HasSignature = signed
	}
	for _, key := range schema.CriticalFields {
		if !present(fields, key) {
			flags.CriticalMissing = append(flags.CriticalMissing, key)
		}
	}
	for _, key := range schema.NonWaivable {
		if !present(fields, key) {
			flags.NonWaivableMissing = append(flags.NonWaivableMissing, key)
		}
	}
	if routing, kind := readString(fields, "routing_number"); kind == fieldPresent && schema.Type == domain.DocumentCheck {
		flags.RoutingInvalid = !abaChecksumValid(routing)
	}
	if schema.DateField != "" {
		if d, kind := readDate(fields, schema.DateField); kind == fieldPresent {
			flags.FutureDated = d.After(e.now())
		}
	}
	return flags, nil
}

// Identity returns the normalized submitter identity for a submission:
// the primary name, qualified by the institution when one is present.
// It returns "" when the primary name is missing.
func Identity(sub *domain.Submission) string {
	schema, err := SchemaFor(sub.DocumentType)
	if err != nil {
		return ""
	}
	name, kind := readString(sub.Fields, schema.IdentityFields[0])
	if kind != fieldPresent {
		return ""
	}
	id := NormalizeIdentity(name)
	if id == "" {
		return ""
	}
	if qualifier, kind := readString(sub.Fields, schema.IdentityFields[1]); kind == fieldPresent {
		if q := NormalizeIdentity(qualifier); q != "" {
			id += "@" + q
		}
	}
	return id
}

// NormalizeIdentity case-folds a name in any script, applies NFKC, drops
// punctuation and collapses runs of whitespace, so "ACME, Inc." and
// "acme inc" map to the same identity. Letters, digits and combining marks
// are kept as written: "José" stays distinct from "Jose".
func NormalizeIdentity(s string) string {
	folded := norm.NFKC.String(cases.Fold().String(s))
	var b strings.Builder
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), unicode.IsMark(r):
			b.WriteRune(r)
		case unicode.IsSpace(r), r == '-', r == '_', r == '&':
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Fingerprint returns a content hash identifying the document for duplicate
// detection. Raw bytes win when present; otherwise the canonical critical
// field set is hashed. It returns "" when there is nothing to hash.
func Fingerprint(sub *domain.Submission) string {
	h := sha256.New()
	h.Write([]byte(sub.DocumentType))
	h.Write([]byte{0})
	if len(sub.RawContent) > 0 {
		h.Write([]byte("raw"))
		h.Write(sub.RawContent)
		return hex.EncodeToString(h.Sum(nil))
	}

	schema, err := SchemaFor(sub.DocumentType)
	if err != nil {
		return ""
	}
	keys := append([]string(nil), schema.CriticalFields...)
	sort.Strings(keys)
	wrote := false
	for _, key := range keys {
		v, kind := readString(sub.Fields, key)
		if kind != fieldPresent {
			continue
		}
		h.Write([]byte(key))
		h.Write([]byte{'='})
		h.Write([]byte(canonicalValue(v)))
		h.Write([]byte{0})
		wrote = true
	}
	if !wrote {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}

func canonicalValue(v string) string {
	if n, ok := parseAmount(v); ok {
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	return NormalizeIdentity(v)
}
