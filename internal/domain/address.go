package domain

import "strings"

// Address represents a shipping or billing address. Whether an address is
// acceptable is decided by the address validator, not stored here.
type Address struct {
	FullName   string `json:"full_name" validate:"required,max=100"`
	Line1      string `json:"line1" validate:"required,max=200"`
	Line2      string `json:"line2,omitempty" validate:"max=200"`
	City       string `json:"city" validate:"required,max=100"`
	Region     string `json:"region,omitempty" validate:"max=100"`
	PostalCode string `json:"postal_code" validate:"required,max=20"`
	Country    string `json:"country" validate:"required,max=2"`
	Phone      string `json:"phone,omitempty" validate:"max=32"`
}

// Normalized returns a copy with whitespace trimmed and the country and
// region codes upper-cased.
func (a Address) Normalized() Address {
	return Address{
		FullName:   strings.TrimSpace(a.FullName),
		Line1:      strings.TrimSpace(a.Line1),
		Line2:      strings.TrimSpace(a.Line2),
		City:       strings.TrimSpace(a.City),
		Region:     strings.ToUpper(strings.TrimSpace(a.Region)),
		PostalCode: strings.TrimSpace(a.PostalCode),
		Country:    strings.ToUpper(strings.TrimSpace(a.Country)),
		Phone:      strings.TrimSpace(a.Phone),
	}
}

// IsZero reports whether no field has been filled in.
func (a Address) IsZero() bool {
	return a == Address{}
}
