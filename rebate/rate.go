package rebate

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	minRate = decimal.Zero
	maxRate = decimal.NewFromInt(100)
)

// RatePlaces is the number of fractional digits a rebate rate may carry.
const RatePlaces = 2

// Plain decimal literals only. Exponents ("1e-200000000") would make the
// decimal comparisons rescale to arbitrary sizes.
var rateLiteral = regexp.MustCompile(`^[+-]?[0-9]+(\.[0-9]+)?$`)

const maxRateLen = 32

// ParseRate validates a raw rebate rate and normalizes it to 2 decimal places.
//
// Checks run in order: number format, range [0, 100], precision. Trailing
// zeros don't count toward precision ("12.50" and "12.500" are both 12.50).
// No side effects.
func ParseRate(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" || len(s) > maxRateLen || !rateLiteral.MatchString(s) {
		return decimal.Zero, &RateError{Raw: raw, Err: ErrInvalidFormat}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &RateError{Raw: raw, Err: ErrInvalidFormat}
	}
	if d.LessThan(minRate) || d.GreaterThan(maxRate) {
		return decimal.Zero, &RateError{Raw: raw, Err: ErrOutOfRange}
	}
	if !d.Round(RatePlaces).Equal(d) {
		return decimal.Zero, &RateError{Raw: raw, Err: ErrPrecisionExceeded}
	}
	return d.Round(RatePlaces), nil
}

// RateFromFloat validates a float rate using its shortest decimal form, so
// 12.5 is accepted and 12.345 is not.
func RateFromFloat(v float64) (decimal.Decimal, error) {
	return ParseRate(strconv.FormatFloat(v, 'f', -1, 64))
}

// FormatRate renders a rate with exactly 2 decimals, e.g. "15.00".
func FormatRate(d decimal.Decimal) string {
	return d.StringFixed(RatePlaces)
}

// RawRate is a rate as it arrives in JSON, either a number or a string.
// The literal text is kept so precision is checked on what the client sent
// (12.345 stays "12.345" instead of becoming a float).
type RawRate string

func (r *RawRate) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	switch {
	case s == "null":
		*r = ""
	case strings.HasPrefix(s, `"`):
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*r = RawRate(str)
	default:
		*r = RawRate(s)
	}
	return nil
}
