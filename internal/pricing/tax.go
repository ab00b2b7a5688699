package pricing

import (
	"strings"

	"github.com/utafrali/checkoutflow/internal/domain"
)

// TaxTable maps jurisdictions to tax rates in basis points. Keys are either
// "COUNTRY-REGION" (e.g. "US-CA") or "COUNTRY" (e.g. "DE").
type TaxTable struct {
	Rates      map[string]int64
	DefaultBps int64
}

// NewTaxTable builds a table from configuration, normalizing keys.
func NewTaxTable(rates map[string]int, defaultBps int) TaxTable {
	t := TaxTable{Rates: make(map[string]int64, len(rates)), DefaultBps: int64(defaultBps)}
	for k, v := range rates {
		t.Rates[strings.ToUpper(strings.TrimSpace(k))] = int64(v)
	}
	return t
}

// RateFor returns the rate for the most specific matching jurisdiction:
// country and region, then country, then the default.
func (t TaxTable) RateFor(addr *domain.Address) int64 {
	if addr == nil {
		return t.DefaultBps
	}
	country := strings.ToUpper(strings.TrimSpace(addr.Country))
	region := strings.ToUpper(strings.TrimSpace(addr.Region))
	if region != "" {
		if r, ok := t.Rates[country+"-"+region]; ok {
			return r
		}
	}
	if r, ok := t.Rates[country]; ok {
		return r
	}
	return t.DefaultBps
}
