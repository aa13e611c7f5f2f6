// Package fees splits an order subtotal into platform fee, processing fee and
// the seller's net amount. It is the only place in the service that does this
// arithmetic.
package fees

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/AmariLuigi/vendors.gg-sub001/internal/apperr"
)

var hundred = decimal.NewFromInt(100)

// Schedule is the configured fee schedule. Percentages are expressed as
// 0..100, ProcessingFixed in major currency units.
type Schedule struct {
	PlatformPct     decimal.Decimal
	ProcessingPct   decimal.Decimal
	ProcessingFixed decimal.Decimal
}

// Breakdown always satisfies PlatformFee + ProcessingFee + SellerAmount == Total.
type Breakdown struct {
	Total         decimal.Decimal `json:"total"`
	PlatformFee   decimal.Decimal `json:"platform_fee"`
	ProcessingFee decimal.Decimal `json:"processing_fee"`
	SellerAmount  decimal.Decimal `json:"seller_amount"`
	Currency      string          `json:"currency"`
}

// minorUnits lists ISO 4217 exponents that differ from the default of 2.
var minorUnits = map[string]int32{
	"JPY": 0, "KRW": 0, "VND": 0, "CLP": 0, "ISK": 0,
	"BHD": 3, "KWD": 3, "OMR": 3, "JOD": 3, "TND": 3,
}

var supported = map[string]bool{
	"USD": true, "EUR": true, "GBP": true, "CAD": true, "AUD": true, "BRL": true,
	"PLN": true, "SEK": true, "NOK": true, "DKK": true, "CHF": true, "TRY": true,
}

// MinorUnits returns the number of decimal places for currency.
func MinorUnits(currency string) (int32, error) {
	c := strings.ToUpper(currency)
	if places, ok := minorUnits[c]; ok {
		return places, nil
	}
	if supported[c] {
		return 2, nil
	}
	return 0, apperr.Validation(apperr.CodeInvalidInput, "unsupported currency %q", currency)
}

// Validate checks the schedule bounds.
func (s Schedule) Validate() error {
	for name, pct := range map[string]decimal.Decimal{"platform": s.PlatformPct, "processing": s.ProcessingPct} {
		if pct.IsNegative() || pct.GreaterThan(hundred) {
			return apperr.Validation(apperr.CodeInvalidInput, "%s fee percentage %s out of range", name, pct)
		}
	}
	if s.ProcessingFixed.IsNegative() {
		return apperr.Validation(apperr.CodeInvalidInput, "fixed processing fee must not be negative")
	}
	return nil
}

// Calculate computes the fee split for subtotal. Amounts are rounded half-even
// to the currency's minor unit; the rounding remainder lands in ProcessingFee.
func Calculate(subtotal decimal.Decimal, currency string, s Schedule) (Breakdown, error) {
	places, err := MinorUnits(currency)
	if err != nil {
		return Breakdown{}, err
	}
	if err := s.Validate(); err != nil {
		return Breakdown{}, err
	}
	if subtotal.IsNegative() {
		return Breakdown{}, apperr.Validation(apperr.CodeInvalidInput, "subtotal must not be negative")
	}
	if !subtotal.Equal(subtotal.Round(places)) {
		return Breakdown{}, apperr.Validation(apperr.CodeInvalidInput,
			"subtotal %s has more precision than %s allows", subtotal, currency)
	}

	total := subtotal
	rawPlatform := total.Mul(s.PlatformPct).Div(hundred)
	rawProcessing := total.Mul(s.ProcessingPct).Div(hundred).Add(s.ProcessingFixed)

	platform := rawPlatform.RoundBank(places)
	seller := total.Sub(rawPlatform).Sub(rawProcessing).RoundBank(places)
	if seller.IsNegative() {
		return Breakdown{}, apperr.Validation(apperr.CodeInvalidInput,
			"fees exceed the subtotal of %s %s", total.StringFixed(places), currency)
	}
	processing := total.Sub(platform).Sub(seller)
	// Both roundings can go up on a half; the seller gives back the minor unit.
	if processing.IsNegative() {
		seller = seller.Add(processing)
		processing = decimal.Zero
	}

	return Breakdown{
		Total:         total,
		PlatformFee:   platform,
		ProcessingFee: processing,
		SellerAmount:  seller,
		Currency:      strings.ToUpper(currency),
	}, nil
}
