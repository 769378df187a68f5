package lifecycle

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SyntheticSource generates a deterministic labeled set per document type.
// A share of documents is drawn from a fraudulent profile where risk
// indicators are common; labels sum the indicator weights plus noise.
type SyntheticSource struct {
	Count int
	Seed  uint64
	// Now anchors generated dates; it must match the extractor clock used in training.
	Now func() time.Time
}

const (
	fraudShare    = 0.3
	fraudHitRate  = 0.55
	cleanHitRate  = 0.04
	labelNoise    = 3.0
	baselineLabel = 5.0
)

var (
	validRouting    = []string{"021000021", "026009593", "121000248", "011000138", "091000019"}
	syntheticBanks  = []string{"Chase", "Bank of America", "Wells Fargo", "Citibank", "PNC Bank", "Truist"}
	unknownBanks    = []string{"First Bank of Nowhere", "Offshore Trust Ltd", "Acme Savings"}
	moIssuers       = []string{"Western Union", "MoneyGram", "USPS"}
	unknownIssuers  = []string{"Quick Cash Orders", "Global Remit Co"}
	syntheticNames  = []string{"Jane Doe", "John Smith", "Maria Garcia", "Wei Chen", "Aisha Khan", "Tom Baker", "Lena Novak", "Omar Haddad"}
	syntheticFirms  = []string{"Acme Corp", "Globex LLC", "Initech", "Umbrella Health", "Stark Industries"}
	onesWords       = []string{"", "one", "two", "three", "four", "five", "six", "seven", "eight", "nine", "ten", "eleven", "twelve", "thirteen", "fourteen", "fifteen", "sixteen", "seventeen", "eighteen", "nineteen"}
	tensWords       = []string{"", "", "twenty", "thirty", "forty", "fifty", "sixty", "seventy", "eighty", "ninety"}
	syntheticLayout = "2006-01-02"
)

// Samples generates Count samples for t. The same seed and clock always
// produce the same samples.
func (s SyntheticSource) Samples(_ context.Context, t domain.DocumentType) ([]*domain.TrainingSample, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownDocumentType, t)
	}
	now := time.Now().UTC()
	if s.Now != nil {
		now = s.Now()
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(t))
	g := &generator{
		rng: rand.New(rand.NewPCG(s.Seed, h.Sum64())),
		now: now,
	}

	out := make([]*domain.TrainingSample, 0, s.Count)
	for i := 0; i < s.Count; i++ {
		g.fraud = g.rng.Float64() < fraudShare
		g.risk = baselineLabel
		var fields domain.Fields
		switch t {
		case domain.DocumentCheck:
			fields = g.check()
		case domain.DocumentPaystub:
			fields = g.paystub()
		case domain.DocumentMoneyOrder:
			fields = g.moneyOrder()
		case domain.DocumentBankStatement:
			fields = g.bankStatement()
		}
		label := g.risk + g.rng.NormFloat64()*labelNoise
		out = append(out, &domain.TrainingSample{
			ID:           fmt.Sprintf("synthetic-%s-%d", t, i),
			DocumentType: t,
			Fields:       fields,
			RawText:      g.rawText(fields),
			Label:        math.Max(0, math.Min(100, label)),
			Source:       "synthetic",
			CreatedAt:    now,
		})
	}
	return out, nil
}

type generator struct {
	rng   *rand.Rand
	now   time.Time
	fraud bool
	risk  float64
}

// hit draws an indicator and adds its weight to the running label.
func (g *generator) hit(weight float64) bool {
	rate := cleanHitRate
	if g.fraud {
		rate = fraudHitRate
	}
	if g.rng.Float64() < rate {
		g.risk += weight
		return true
	}
	return false
}

func (g *generator) pick(options []string) string {
	return options[g.rng.IntN(len(options))]
}

func (g *generator) date(daysAgo int) string {
	return g.now.AddDate(0, 0, -daysAgo).Format(syntheticLayout)
}

func (g *generator) money(lo, hi float64) float64 {
	return math.Round((lo+g.rng.Float64()*(hi-lo))*100) / 100
}

// drop removes a field, counting it as a missing critical field.
func (g *generator) drop(f domain.Fields, keys ...string) {
	for _, k := range keys {
		if g.hit(8) {
			delete(f, k)
		}
	}
}

func (g *generator) check() domain.Fields {
	amount := g.money(20, 4000)
	if g.hit(10) {
		amount = g.money(9000, 24000)
	}
	payer := g.pick(syntheticNames)
	payee := g.pick(syntheticNames)
	f := domain.Fields{
		"payer_name":     payer,
		"payee_name":     payee,
		"amount":         amount,
		"amount_written": spellAmount(amount),
		"check_number":   fmt.Sprintf("%d", 1000+g.rng.IntN(9000)),
		"date":           g.date(g.rng.IntN(30)),
		"routing_number": g.pick(validRouting),
		"account_number": fmt.Sprintf("%010d", g.rng.IntN(1_000_000_000)),
		"bank_name":      g.pick(syntheticBanks),
		"signature":      true,
		"memo":           "invoice",
	}
	if g.hit(30) {
		f["signature"] = false
	}
	if g.hit(18) {
		r := []byte(f["routing_number"].(string))
		r[8] = '0' + (r[8]-'0'+1)%10
		f["routing_number"] = string(r)
	}
	if g.hit(15) {
		f["amount_written"] = spellAmount(amount + 100)
	}
	if g.hit(10) {
		f["bank_name"] = g.pick(unknownBanks)
	}
	if g.hit(10) {
		f["date"] = g.date(-g.rng.IntN(60) - 2)
	}
	if g.hit(6) {
		f["date"] = g.date(200 + g.rng.IntN(200))
	}
	if g.hit(12) {
		f["payee_name"] = payer
	}
	g.drop(f, "check_number", "payee_name")
	return f
}

func (g *generator) paystub() domain.Fields {
	gross := g.money(1200, 9000)
	net := math.Round(gross*(0.62+g.rng.Float64()*0.2)*100) / 100
	fed := math.Round(gross*0.12*100) / 100
	state := math.Round(gross*0.04*100) / 100
	end := g.rng.IntN(20)
	f := domain.Fields{
		"employer_name":    g.pick(syntheticFirms),
		"employee_name":    g.pick(syntheticNames),
		"employer_address": "100 Main St",
		"gross_pay":        gross,
		"net_pay":          net,
		"pay_period_start": g.date(end + 14),
		"pay_period_end":   g.date(end),
		"pay_date":         g.date(end),
		"ytd_gross":        gross * float64(1+g.rng.IntN(20)),
		"federal_tax":      fed,
		"state_tax":        state,
		"ssn_last4":        fmt.Sprintf("%04d", g.rng.IntN(10000)),
	}
	if g.hit(25) {
		f["net_pay"] = math.Round(gross*(0.97+g.rng.Float64()*0.2)*100) / 100
	}
	if g.hit(15) {
		f["ytd_gross"] = gross / 2
	}
	if g.hit(12) {
		f["pay_period_start"] = g.date(end - 5)
	}
	if g.hit(10) {
		f["pay_date"] = g.date(-g.rng.IntN(30) - 2)
	}
	if g.hit(10) {
		f["federal_tax"] = 0.0
		f["state_tax"] = 0.0
	}
	if g.hit(8) {
		f["ssn_last4"] = "12AB"
	}
	if g.hit(6) {
		f["gross_pay"] = g.money(15000, 20000)
	}
	g.drop(f, "employer_address", "net_pay")
	return f
}

func (g *generator) moneyOrder() domain.Fields {
	f := domain.Fields{
		"issuer":            g.pick(moIssuers),
		"serial_number":     fmt.Sprintf("%011d", g.rng.Int64N(100_000_000_000)),
		"amount":            g.money(20, 900),
		"purchaser_name":    g.pick(syntheticNames),
		"payee_name":        g.pick(syntheticFirms),
		"date":              g.date(g.rng.IntN(20)),
		"signature":         true,
		"receipt_number":    fmt.Sprintf("R%07d", g.rng.IntN(10_000_000)),
		"purchase_location": "Store 12",
	}
	if g.hit(30) {
		f["signature"] = false
	}
	if g.hit(25) {
		f["amount"] = g.money(1001, 5000)
	}
	if g.hit(18) {
		f["serial_number"] = "XX-" + fmt.Sprintf("%d", g.rng.IntN(1000))
	}
	if g.hit(15) {
		f["issuer"] = g.pick(unknownIssuers)
	}
	if g.hit(10) {
		f["date"] = g.date(-g.rng.IntN(30) - 2)
	}
	g.drop(f, "receipt_number", "payee_name")
	return f
}

func (g *generator) bankStatement() domain.Fields {
	opening := g.money(100, 20000)
	credits := g.money(500, 8000)
	debits := g.money(300, 7000)
	end := g.rng.IntN(20)
	f := domain.Fields{
		"bank_name":         g.pick(syntheticBanks),
		"account_holder":    g.pick(syntheticNames),
		"account_number":    fmt.Sprintf("XXXXXX%04d", g.rng.IntN(10000)),
		"period_start":      g.date(end + 30),
		"period_end":        g.date(end),
		"opening_balance":   opening,
		"closing_balance":   math.Round((opening+credits-debits)*100) / 100,
		"total_credits":     credits,
		"total_debits":      debits,
		"transaction_count": float64(10 + g.rng.IntN(80)),
		"bank_address":      "1 Financial Plaza",
	}
	if g.hit(30) {
		f["closing_balance"] = opening + credits - debits + g.money(250, 5000)
	}
	if g.hit(12) {
		f["bank_name"] = g.pick(unknownBanks)
	}
	if g.hit(12) {
		f["period_start"] = g.date(end + 90)
	}
	if g.hit(10) {
		f["account_number"] = fmt.Sprintf("%010d", g.rng.IntN(1_000_000_000))
	}
	if g.hit(8) {
		f["transaction_count"] = float64(250 + g.rng.IntN(100))
	}
	g.drop(f, "bank_address", "total_debits")
	return f
}

func (g *generator) rawText(f domain.Fields) string {
	var b strings.Builder
	for _, k := range []string{"payer_name", "employer_name", "issuer", "bank_name", "amount", "gross_pay", "closing_balance"} {
		if v, ok := f[k]; ok {
			fmt.Fprintf(&b, "%s: %v\n", k, v)
		}
	}
	if g.hit(6) {
		b.WriteString("#@!~^%&*")
	}
	return b.String()
}

// spellAmount writes an amount the way the legal line of a check does,
// e.g. "one thousand two hundred fifty and 07/100".
func spellAmount(amount float64) string {
	dollars := int(amount)
	cents := int(math.Round((amount - float64(dollars)) * 100))
	if cents == 100 {
		dollars++
		cents = 0
	}
	words := spellInt(dollars)
	if words == "" {
		words = "zero"
	}
	return fmt.Sprintf("%s and %02d/100", words, cents)
}

func spellInt(n int) string {
	var parts []string
	if n >= 1000 {
		parts = append(parts, spellInt(n/1000), "thousand")
		n %= 1000
	}
	if n >= 100 {
		parts = append(parts, onesWords[n/100], "hundred")
		n %= 100
	}
	if n >= 20 {
		parts = append(parts, tensWords[n/10])
		n %= 10
	}
	if n > 0 {
		parts = append(parts, onesWords[n])
	}
	return strings.Join(parts, " ")
}
