package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"financehub/internal/domain"
)

// normalized is a raw record after amount and date canonicalization, ready
// for fingerprinting.
type normalized struct {
	bookedOn     time.Time
	bookedAt     string
	txType       string
	description  string
	counterparty string
	withdrawal   decimal.Decimal
	deposit      decimal.Decimal
	balance      decimal.Decimal
	metadata     map[string]string
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"2006.01.02",
	"20060102",
}

var timeLayouts = []string{
	"15:04:05",
	"15:04",
	"150405",
}

// normalize canonicalizes one scraped row. Formatting differences between
// runs (thousands separators, explicit signs vs. debit markers, date
// punctuation) must all collapse to the same normalized form, otherwise the
// fingerprint would change across re-fetches of the same window.
func normalize(raw domain.RawRecord) (normalized, error) {
	bookedOn, err := parseDate(raw.Date)
	if err != nil {
		return normalized{}, err
	}

	bookedAt, err := parseTimeOfDay(raw.Time)
	if err != nil {
		return normalized{}, err
	}

	amount, err := parseAmount(raw.Amount)
	if err != nil {
		return normalized{}, fmt.Errorf("amount %q: %w", raw.Amount, err)
	}

	n := normalized{
		bookedOn:     bookedOn,
		bookedAt:     bookedAt,
		txType:       strings.TrimSpace(raw.Type),
		description:  strings.TrimSpace(raw.Description),
		counterparty: strings.TrimSpace(raw.Counterparty),
		withdrawal:   decimal.Zero,
		deposit:      decimal.Zero,
		metadata:     raw.Metadata,
	}

	switch direction(raw.Marker, amount) {
	case directionWithdrawal:
		n.withdrawal = amount.Abs()
	case directionDeposit:
		n.deposit = amount.Abs()
	default:
		return normalized{}, fmt.Errorf("cannot determine direction: marker=%q amount=%q", raw.Marker, raw.Amount)
	}

	if raw.Balance != "" {
		balance, err := parseAmount(raw.Balance)
		if err != nil {
			return normalized{}, fmt.Errorf("balance %q: %w", raw.Balance, err)
		}
		n.balance = balance
	} else {
		n.balance = decimal.Zero
	}

	return n, nil
}

type txDirection int

const (
	directionUnknown txDirection = iota
	directionWithdrawal
	directionDeposit
)

// direction resolves the source's debit/credit marker, falling back to the
// amount's sign when the marker is absent.
func direction(marker string, amount decimal.Decimal) txDirection {
	switch strings.ToLower(strings.TrimSpace(marker)) {
	case "d", "dr", "debit", "w", "withdrawal", "out":
		return directionWithdrawal
	case "c", "cr", "credit", "deposit", "in":
		return directionDeposit
	case "":
		if amount.IsZero() {
			return directionUnknown
		}
		if amount.IsNegative() {
			return directionWithdrawal
		}
		return directionDeposit
	default:
		return directionUnknown
	}
}

// parseAmount accepts scraped money strings: thousands separators, currency
// symbols, leading signs, and accounting parentheses for negatives.
func parseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}

	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '.':
			b.WriteRune(r)
		case r == '-':
			negative = true
		case r == ',', r == '+', r == ' ', r == '$', r == '€', r == '£', r == '¥', r == '₩':
			// separator or currency symbol, drop
		default:
			return decimal.Zero, fmt.Errorf("unexpected character %q", r)
		}
	}

	amount, err := decimal.NewFromString(b.String())
	if err != nil {
		return decimal.Zero, err
	}
	if negative {
		amount = amount.Neg()
	}
	return amount, nil
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}

// parseTimeOfDay returns the canonical "15:04:05" form, or empty when the
// source reported no time.
func parseTimeOfDay(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("15:04:05"), nil
		}
	}
	return "", fmt.Errorf("unparseable time %q", s)
}
