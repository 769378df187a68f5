package features

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// fieldKind is the outcome of reading one optional field.
type fieldKind int

const (
	fieldMissing fieldKind = iota
	fieldPresent
	fieldMalformed
)

func readString(f domain.Fields, key string) (string, fieldKind) {
	raw, ok := f[key]
	if !ok || raw == nil {
		return "", fieldMissing
	}
	switch v := raw.(type) {
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return "", fieldMissing
		}
		return s, fieldPresent
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), fieldPresent
	case int:
		return strconv.Itoa(v), fieldPresent
	case int64:
		return strconv.FormatInt(v, 10), fieldPresent
	case json.Number:
		return v.String(), fieldPresent
	case bool:
		return "", fieldMalformed
	default:
		return "", fieldMalformed
	}
}

// readNumber accepts numbers and numeric strings such as "$1,234.50" or "(12.00)".
func readNumber(f domain.Fields, key string) (float64, fieldKind) {
	raw, ok := f[key]
	if !ok || raw == nil {
		return 0, fieldMissing
	}
	var v float64
	switch n := raw.(type) {
	case float64:
		v = n
	case float32:
		v = float64(n)
	case int:
		v = float64(n)
	case int64:
		v = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, fieldMalformed
		}
		v = parsed
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, fieldMissing
		}
		parsed, ok := parseAmount(s)
		if !ok {
			return 0, fieldMalformed
		}
		v = parsed
	default:
		return 0, fieldMalformed
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fieldMalformed
	}
	return v, fieldPresent
}

func parseAmount(s string) (float64, bool) {
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	s = strings.NewReplacer("$", "", ",", "", " ", "", "USD", "", "usd", "").Replace(s)
	if strings.HasPrefix(s, "-") {
		negative = !negative
		s = s[1:]
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	if negative {
		v = -v
	}
	return v, true
}

// readBool accepts booleans and the strings OCR collaborators commonly emit.
func readBool(f domain.Fields, key string) (bool, fieldKind) {
	raw, ok := f[key]
	if !ok || raw == nil {
		return false, fieldMissing
	}
	switch v := raw.(type) {
	case bool:
		return v, fieldPresent
	case float64:
		return v != 0, fieldPresent
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "y", "present", "signed", "1":
			return true, fieldPresent
		case "false", "no", "n", "absent", "missing", "unsigned", "0", "":
			return false, fieldPresent
		}
		return false, fieldMalformed
	default:
		return false, fieldMalformed
	}
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"02/01/06",
}

func readDate(f domain.Fields, key string) (time.Time, fieldKind) {
	s, kind := readString(f, key)
	if kind != fieldPresent {
		return time.Time{}, kind
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, fieldPresent
		}
	}
	return time.Time{}, fieldMalformed
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// abaChecksumValid validates a 9-digit ABA routing number.
func abaChecksumValid(routing string) bool {
	d := digitsOnly(routing)
	if len(d) != 9 {
		return false
	}
	n := make([]int, 9)
	for i := range d {
		n[i] = int(d[i] - '0')
	}
	sum := 3*(n[0]+n[3]+n[6]) + 7*(n[1]+n[4]+n[7]) + (n[2] + n[5] + n[8])
	return sum%10 == 0 && d != "000000000"
}

var knownBanks = []string{
	"chase", "jpmorgan", "bank of america", "wells fargo", "citibank", "citi",
	"us bank", "u.s. bank", "pnc", "truist", "capital one", "td bank",
	"citizens", "fifth third", "regions", "keybank", "huntington", "m&t",
	"ally", "navy federal", "usaa", "bmo", "santander", "hsbc", "barclays",
}

var knownMoneyOrderIssuers = []string{
	"western union", "moneygram", "usps", "united states postal",
	"postal service", "walmart", "7-eleven", "ria", "amex", "american express",
}

func recognized(name string, known []string) bool {
	n := strings.ToLower(name)
	for _, k := range known {
		if strings.Contains(n, k) {
			return true
		}
	}
	return false
}

var numberWords = map[string]float64{
	"zero": 0, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10, "eleven": 11,
	"twelve": 12, "thirteen": 13, "fourteen": 14, "fifteen": 15,
	"sixteen": 16, "seventeen": 17, "eighteen": 18, "nineteen": 19,
	"twenty": 20, "thirty": 30, "forty": 40, "fifty": 50, "sixty": 60,
	"seventy": 70, "eighty": 80, "ninety": 90,
}

// parseWrittenAmount reads the legal amount line of a check, e.g.
// "One thousand two hundred fifty and 00/100 dollars".
func parseWrittenAmount(s string) (float64, bool) {
	s = strings.ToLower(strings.NewReplacer("-", " ", ",", "", "*", " ").Replace(s))
	var total, current, cents float64
	found := false
	for _, tok := range strings.Fields(s) {
		if strings.HasSuffix(tok, "/100") {
			if c, err := strconv.ParseFloat(strings.TrimSuffix(tok, "/100"), 64); err == nil {
				cents = c / 100
				found = true
			}
			continue
		}
		if v, ok := numberWords[tok]; ok {
			current += v
			found = true
			continue
		}
		switch tok {
		case "hundred":
			if current == 0 {
				current = 1
			}
			current *= 100
		case "thousand":
			if current == 0 {
				current = 1
			}
			total += current * 1000
			current = 0
		case "million":
			if current == 0 {
				current = 1
			}
			total += current * 1_000_000
			current = 0
		default:
			if v, err := strconv.ParseFloat(tok, 64); err == nil {
				current += v
				found = true
			}
		}
	}
	return total + current + cents, found
}

// textQuality is the share of letters, digits and whitespace in the raw text.
func textQuality(text string) float64 {
	if text == "" {
		return 0
	}
	var good, all int
	for _, r := range text {
		all++
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			good++
		case r == ' ' || r == '\n' || r == '\t' || r == '.' || r == ',' || r == '$' || r == '/' || r == '-':
			good++
		}
	}
	return float64(good) / float64(all)
}
