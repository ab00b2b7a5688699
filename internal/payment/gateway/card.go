package gateway

import (
	"fmt"
	"strings"
	"time"
)

// Normalize strips separators from a card number.
func Normalize(number string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, number)
}

// ValidateCard performs the offline checks every gateway applies before
// tokenizing: digits only, Luhn checksum and an unexpired date.
func ValidateCard(card *CardDetails, now time.Time) map[string]string {
	fields := make(map[string]string)
	number := Normalize(card.Number)
	if len(number) < 12 || len(number) > 19 || !luhn(number) {
		fields["card_number"] = "is not a valid card number"
	}
	if card.ExpMonth < 1 || card.ExpMonth > 12 {
		fields["exp_month"] = "must be between 1 and 12"
	} else if card.ExpYear < now.Year() || (card.ExpYear == now.Year() && card.ExpMonth < int(now.Month())) {
		fields["exp_year"] = "card has expired"
	}
	if n := len(card.CVC); n < 3 || n > 4 {
		fields["cvc"] = "must be 3 or 4 digits"
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// Brand guesses the card network from the number prefix.
func Brand(number string) string {
	number = Normalize(number)
	switch {
	case strings.HasPrefix(number, "4"):
		return "visa"
	case strings.HasPrefix(number, "34"), strings.HasPrefix(number, "37"):
		return "amex"
	case len(number) > 0 && number[0] == '5':
		return "mastercard"
	case strings.HasPrefix(number, "6"):
		return "discover"
	default:
		return "unknown"
	}
}

// InvalidCardError carries per-field problems found while tokenizing.
type InvalidCardError struct {
	Fields map[string]string
}

func (e *InvalidCardError) Error() string {
	return fmt.Sprintf("%v: %v", ErrInvalidCard, e.Fields)
}

func (e *InvalidCardError) Unwrap() error {
	return ErrInvalidCard
}

func luhn(number string) bool {
	var sum int
	double := false
	for i := len(number) - 1; i >= 0; i-- {
		c := number[i]
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
