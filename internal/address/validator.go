package address

import (
	"errors"
	"regexp"

	"github.com/utafrali/checkoutflow/internal/domain"
	"github.com/utafrali/checkoutflow/pkg/validator"
)

// CountryRule holds the format rules for addresses in one country.
type CountryRule struct {
	PostalCode     *regexp.Regexp
	PostalExample  string
	Phone          *regexp.Regexp
	RegionRequired bool
}

// Result is the outcome of validating one address. FieldErrors is keyed by
// the JSON field name.
type Result struct {
	Valid       bool              `json:"valid"`
	FieldErrors map[string]string `json:"field_errors,omitempty"`
}

var e164 = regexp.MustCompile(`^\+?[0-9][0-9 ()\-]{6,19}$`)

// DefaultRules returns the built-in country rules. Countries missing from
// the table are only checked for required fields.
func DefaultRules() map[string]CountryRule {
	return map[string]CountryRule{
		"US": {PostalCode: regexp.MustCompile(`^\d{5}(-\d{4})?$`), PostalExample: "12345 or 12345-6789", Phone: e164, RegionRequired: true},
		"CA": {PostalCode: regexp.MustCompile(`^[A-Za-z]\d[A-Za-z] ?\d[A-Za-z]\d$`), PostalExample: "K1A 0B1", Phone: e164, RegionRequired: true},
		"GB": {PostalCode: regexp.MustCompile(`^[A-Za-z]{1,2}\d[A-Za-z\d]? ?\d[A-Za-z]{2}$`), PostalExample: "SW1A 1AA", Phone: e164},
		"DE": {PostalCode: regexp.MustCompile(`^\d{5}$`), PostalExample: "10115", Phone: e164},
		"FR": {PostalCode: regexp.MustCompile(`^\d{5}$`), PostalExample: "75001", Phone: e164},
		"NL": {PostalCode: regexp.MustCompile(`^\d{4} ?[A-Za-z]{2}$`), PostalExample: "1012 AB", Phone: e164},
		"TR": {PostalCode: regexp.MustCompile(`^\d{5}$`), PostalExample: "34000", Phone: e164},
		"JP": {PostalCode: regexp.MustCompile(`^\d{3}-?\d{4}$`), PostalExample: "100-0001", Phone: e164},
		"AU": {PostalCode: regexp.MustCompile(`^\d{4}$`), PostalExample: "2000", Phone: e164, RegionRequired: true},
	}
}

// Validator checks addresses against required-field tags and per-country
// format rules. It holds no mutable state.
type Validator struct {
	rules map[string]CountryRule
}

// NewValidator creates a validator with the given country rules.
func NewValidator(rules map[string]CountryRule) *Validator {
	return &Validator{rules: rules}
}

// Validate checks a single address. The same input always yields the same
// result.
func (v *Validator) Validate(addr domain.Address) Result {
	addr = addr.Normalized()
	fields := make(map[string]string)

	if err := validator.Validate(addr); err != nil {
		var ve *validator.ValidationError
		if !errors.As(err, &ve) {
			fields["address"] = err.Error()
			return Result{FieldErrors: fields}
		}
		for k, msg := range ve.Fields() {
			fields[k] = msg
		}
	}

	if rule, ok := v.rules[addr.Country]; ok {
		if _, bad := fields["postal_code"]; !bad && rule.PostalCode != nil && !rule.PostalCode.MatchString(addr.PostalCode) {
			fields["postal_code"] = "must look like " + rule.PostalExample
		}
		if rule.RegionRequired && addr.Region == "" {
			fields["region"] = "is required"
		}
		if _, bad := fields["phone"]; !bad && addr.Phone != "" && rule.Phone != nil && !rule.Phone.MatchString(addr.Phone) {
			fields["phone"] = "must be a valid phone number"
		}
	}

	if len(fields) == 0 {
		return Result{Valid: true}
	}
	return Result{FieldErrors: fields}
}
