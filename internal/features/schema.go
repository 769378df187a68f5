package features

import (
	"regexp"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Schema describes how one document type is turned into features and which
// fields it cannot do without.
type Schema struct {
	Type    domain.DocumentType
	Version string

	// CriticalFields feed critical_missing_ratio and the critical-fields rule.
	CriticalFields []string
	// NonWaivable fields force a REJECT when absent.
	NonWaivable []string
	// SignatureRequired marks document types that must carry a signature.
	SignatureRequired bool
	// IdentityFields name the submitter and the institution that qualifies it.
	IdentityFields [2]string
	// DateField is checked for future dating.
	DateField string

	extract func(b *builder)
	names   []string
}

// Names returns the ordered feature names. The slice must not be modified.
func (s *Schema) Names() []string { return s.names }

// Len returns the number of features in the schema.
func (s *Schema) Len() int { return len(s.names) }

const (
	checkAmountCeiling       = 25_000
	paystubAmountCeiling     = 20_000
	moneyOrderFaceLimit      = 1_000
	statementBalanceCeiling  = 100_000
	statementTxnCeiling      = 200
	staleCheckAge            = 180 * 24 * time.Hour
	maxStatementPeriodLength = 45 * 24 * time.Hour
)

var (
	moneyOrderSerial = regexp.MustCompile(`^(?:[0-9]{9,12}|[A-Z]{1,2}[0-9]{8,11})$`)
	ssnLast4         = regexp.MustCompile(`^[0-9]{4}$`)
)

var schemas = map[domain.DocumentType]*Schema{
	domain.DocumentCheck: {
		Type:    domain.DocumentCheck,
		Version: "check/v1",
		CriticalFields: []string{
			"payer_name", "payee_name", "amount", "date",
			"routing_number", "account_number", "check_number",
		},
		NonWaivable:       []string{"routing_number", "account_number"},
		SignatureRequired: true,
		IdentityFields:    [2]string{"payer_name", "bank_name"},
		DateField:         "date",
		extract:           extractCheck,
	},
	domain.DocumentPaystub: {
		Type:    domain.DocumentPaystub,
		Version: "paystub/v1",
		CriticalFields: []string{
			"employer_name", "employee_name", "gross_pay", "net_pay", "pay_date",
		},
		NonWaivable:    []string{"employer_name"},
		IdentityFields: [2]string{"employee_name", "employer_name"},
		DateField:      "pay_date",
		extract:        extractPaystub,
	},
	domain.DocumentMoneyOrder: {
		Type:    domain.DocumentMoneyOrder,
		Version: "money_order/v1",
		CriticalFields: []string{
			"issuer", "serial_number", "amount", "payee_name", "purchaser_name",
		},
		NonWaivable:       []string{"serial_number"},
		SignatureRequired: true,
		IdentityFields:    [2]string{"purchaser_name", "issuer"},
		DateField:         "date",
		extract:           extractMoneyOrder,
	},
	domain.DocumentBankStatement: {
		Type:    domain.DocumentBankStatement,
		Version: "bank_statement/v1",
		CriticalFields: []string{
			"bank_name", "account_holder", "account_number",
			"opening_balance", "closing_balance", "period_start", "period_end",
		},
		NonWaivable:    []string{"account_number"},
		IdentityFields: [2]string{"account_holder", "bank_name"},
		DateField:      "period_end",
		extract:        extractBankStatement,
	},
}

func init() {
	for _, s := range schemas {
		b := newBuilder(nil, "", 0, time.Time{}, s.CriticalFields)
		s.extract(b)
		s.names = b.finish(s.Type).Names
	}
}

// SchemaFor returns the schema registered for a document type.
func SchemaFor(t domain.DocumentType) (*Schema, error) {
	s, ok := schemas[t]
	if !ok {
		return nil, domain.ErrUnknownDocumentType
	}
	return s, nil
}

func extractCheck(b *builder) {
	payer, hasPayer := b.str("payer_name", "payer_name")
	payee, hasPayee := b.str("payee_name", "payee_name")
	amount, hasAmount := b.num("amount", "amount")
	b.norm("amount_norm", amount, checkAmountCeiling, hasAmount)

	written, hasWritten := b.str("amount_written", "amount_written")
	match := false
	if hasWritten && hasAmount {
		if w, ok := parseWrittenAmount(written); ok {
			match = absDiff(w, amount) < 0.01
		}
	}
	b.flag("amount_words_match", match)

	b.str("check_number", "check_number")
	date, hasDate := b.date("date", "date")
	b.flag("date_future", hasDate && !b.now.IsZero() && date.After(b.now))
	b.flag("date_stale", hasDate && !b.now.IsZero() && b.now.Sub(date) > staleCheckAge)

	routing, hasRouting := b.str("routing_number", "routing_number")
	b.flag("routing_checksum_valid", hasRouting && abaChecksumValid(routing))
	b.str("account_number", "account_number")
	bank, hasBank := b.str("bank_name", "bank_name")
	b.flag("bank_recognized", hasBank && recognized(bank, knownBanks))
	b.boolean("has_signature", "signature")
	b.str("memo", "memo")
	b.str("micr_line", "micr_line")
	b.flag("payer_payee_same", hasPayer && hasPayee && strings.EqualFold(payer, payee))
}

func extractPaystub(b *builder) {
	b.str("employer_name", "employer_name")
	b.str("employee_name", "employee_name")
	b.str("employer_address", "employer_address")
	gross, hasGross := b.num("gross_pay", "gross_pay")
	b.norm("gross_norm", gross, paystubAmountCeiling, hasGross)
	net, hasNet := b.num("net_pay", "net_pay")
	b.norm("net_norm", net, paystubAmountCeiling, hasNet)

	ratio := 0.0
	if hasGross && hasNet && gross > 0 {
		ratio = net / gross
	}
	b.add("net_to_gross", clamp(ratio, 0, 1.5)/1.5)
	b.flag("net_gross_plausible", ratio >= 0.5 && ratio <= 0.95)

	start, hasStart := b.date("pay_period_start", "pay_period_start")
	end, hasEnd := b.date("pay_period_end", "pay_period_end")
	b.flag("pay_period_valid", hasStart && hasEnd && !end.Before(start))
	payDate, hasPayDate := b.date("pay_date", "pay_date")
	b.flag("pay_date_future", hasPayDate && !b.now.IsZero() && payDate.After(b.now))

	ytd, hasYTD := b.num("ytd_gross", "ytd_gross")
	b.flag("ytd_consistent", hasYTD && hasGross && ytd >= gross)
	fed, hasFed := b.num("federal_tax", "federal_tax")
	state, hasState := b.num("state_tax", "state_tax")
	tax := 0.0
	if hasGross && gross > 0 && (hasFed || hasState) {
		tax = (fed + state) / gross
	}
	b.add("tax_ratio", domain.Clamp01(tax))

	ssn, hasSSN := b.str("ssn_last4", "ssn_last4")
	b.flag("ssn_format_valid", hasSSN && ssnLast4.MatchString(digitsOnly(ssn)) && len(ssn) <= 11)
}

func extractMoneyOrder(b *builder) {
	issuer, hasIssuer := b.str("issuer", "issuer")
	b.flag("issuer_recognized", hasIssuer && recognized(issuer, knownMoneyOrderIssuers))
	serial, hasSerial := b.str("serial_number", "serial_number")
	b.flag("serial_format_valid", hasSerial && moneyOrderSerial.MatchString(strings.ToUpper(strings.ReplaceAll(serial, " ", ""))))
	amount, hasAmount := b.num("amount", "amount")
	b.norm("amount_norm", amount, moneyOrderFaceLimit, hasAmount)
	b.flag("amount_over_limit", hasAmount && amount > moneyOrderFaceLimit)
	b.str("purchaser_name", "purchaser_name")
	b.str("payee_name", "payee_name")
	date, hasDate := b.date("date", "date")
	b.flag("date_future", hasDate && !b.now.IsZero() && date.After(b.now))
	b.boolean("has_signature", "signature")
	b.str("receipt_number", "receipt_number")
	b.str("purchase_location", "purchase_location")
}

func extractBankStatement(b *builder) {
	bank, hasBank := b.str("bank_name", "bank_name")
	b.flag("bank_recognized", hasBank && recognized(bank, knownBanks))
	b.str("account_holder", "account_holder")
	account, hasAccount := b.str("account_number", "account_number")
	b.flag("account_number_masked", hasAccount && strings.ContainsAny(account, "Xx*"))

	start, hasStart := b.date("period_start", "period_start")
	end, hasEnd := b.date("period_end", "period_end")
	b.flag("period_valid", hasStart && hasEnd && end.After(start) && end.Sub(start) <= maxStatementPeriodLength)

	opening, hasOpening := b.num("opening_balance", "opening_balance")
	closing, hasClosing := b.num("closing_balance", "closing_balance")
	credits, hasCredits := b.num("total_credits", "total_credits")
	debits, hasDebits := b.num("total_debits", "total_debits")
	reconciles := hasOpening && hasClosing && hasCredits && hasDebits &&
		absDiff(opening+credits-debits, closing) < 0.01
	b.flag("balance_reconciles", reconciles)

	mix := 0.0
	if hasCredits && hasDebits && credits+debits > 0 {
		mix = credits / (credits + debits)
	}
	b.add("credit_debit_ratio", domain.Clamp01(mix))
	b.norm("closing_balance_norm", closing, statementBalanceCeiling, hasClosing)
	b.flag("negative_closing_balance", hasClosing && closing < 0)
	txns, hasTxns := b.num("transaction_count", "transaction_count")
	b.norm("transaction_count_norm", txns, statementTxnCeiling, hasTxns)
	b.str("bank_address", "bank_address")
}

func absDiff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
