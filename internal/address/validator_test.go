package address

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/utafrali/checkoutflow/internal/domain"
)

func validUS() domain.Address {
	return domain.Address{
		FullName:   "Ada Lovelace",
		Line1:      "500 Congress Ave",
		City:       "Austin",
		Region:     "TX",
		PostalCode: "78701",
		Country:    "US",
		Phone:      "+1 512 555 0100",
	}
}

func TestValidate(t *testing.T) {
	v := NewValidator(DefaultRules())

	tests := []struct {
		name   string
		mutate func(a *domain.Address)
		fields []string
	}{
		{"valid", func(a *domain.Address) {}, nil},
		{"zip plus four", func(a *domain.Address) { a.PostalCode = "78701-1234" }, nil},
		{"missing postal code", func(a *domain.Address) { a.PostalCode = "" }, []string{"postal_code"}},
		{"bad postal code", func(a *domain.Address) { a.PostalCode = "ABCDE" }, []string{"postal_code"}},
		{"missing region", func(a *domain.Address) { a.Region = "" }, []string{"region"}},
		{"bad phone", func(a *domain.Address) { a.Phone = "call me" }, []string{"phone"}},
		{"phone optional", func(a *domain.Address) { a.Phone = "" }, nil},
		{"whitespace only name", func(a *domain.Address) { a.FullName = "   " }, []string{"full_name"}},
		{"several missing", func(a *domain.Address) { a.Line1 = ""; a.City = "" }, []string{"line1", "city"}},
		{"lowercase country", func(a *domain.Address) { a.Country = "us" }, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := validUS()
			tt.mutate(&a)
			res := v.Validate(a)

			if len(tt.fields) == 0 {
				assert.True(t, res.Valid, "unexpected errors: %v", res.FieldErrors)
				assert.Empty(t, res.FieldErrors)
				return
			}
			assert.False(t, res.Valid)
			assert.Len(t, res.FieldErrors, len(tt.fields))
			for _, f := range tt.fields {
				assert.Contains(t, res.FieldErrors, f)
			}
		})
	}
}

func TestValidate_CountryRules(t *testing.T) {
	v := NewValidator(DefaultRules())

	gb := domain.Address{FullName: "A", Line1: "10 Downing St", City: "London", PostalCode: "SW1A 2AA", Country: "GB"}
	assert.True(t, v.Validate(gb).Valid, "GB needs no region")

	ca := domain.Address{FullName: "A", Line1: "1 Rue", City: "Ottawa", Region: "ON", PostalCode: "12345", Country: "CA"}
	res := v.Validate(ca)
	assert.False(t, res.Valid)
	assert.Equal(t, "must look like K1A 0B1", res.FieldErrors["postal_code"])
}

func TestValidate_UnknownCountryOnlyChecksPresence(t *testing.T) {
	v := NewValidator(DefaultRules())
	a := domain.Address{FullName: "A", Line1: "x", City: "y", PostalCode: "anything", Country: "ZZ", Phone: "n/a"}
	assert.True(t, v.Validate(a).Valid)

	a.PostalCode = ""
	res := v.Validate(a)
	assert.False(t, res.Valid)
	assert.Equal(t, "is required", res.FieldErrors["postal_code"])
}

func TestValidate_Deterministic(t *testing.T) {
	v := NewValidator(DefaultRules())
	a := validUS()
	a.PostalCode = "1"
	assert.Equal(t, v.Validate(a), v.Validate(a))
}
