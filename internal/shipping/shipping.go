package shipping

import (
	"context"
	"strings"

	"github.com/utafrali/checkoutflow/internal/domain"
)

// Method IDs offered by the table provider.
const (
	MethodStandard = "standard"
	MethodExpress  = "express"
)

// fallbackZone is the rate table key used for countries without their own
// entry.
const fallbackZone = "*"

// RateProvider quotes the shipping methods available for an address.
type RateProvider interface {
	Quote(ctx context.Context, addr domain.Address, items []domain.LineItem) ([]domain.ShippingMethod, error)
}

// TableProvider quotes flat rates per destination country.
type TableProvider struct {
	rates         map[string]int64
	freeThreshold int64
}

// NewTableProvider builds a provider from a country to standard-rate table
// (minor units). A "*" entry applies to unlisted countries. Orders whose
// subtotal reaches freeThreshold ship standard for free; zero disables it.
func NewTableProvider(rates map[string]int, freeThreshold int64) *TableProvider {
	t := &TableProvider{rates: make(map[string]int64, len(rates)), freeThreshold: freeThreshold}
	for k, v := range rates {
		t.rates[strings.ToUpper(strings.TrimSpace(k))] = int64(v)
	}
	return t
}

// Quote returns standard and express options for the destination, or none
// if the country is not served.
func (t *TableProvider) Quote(_ context.Context, addr domain.Address, items []domain.LineItem) ([]domain.ShippingMethod, error) {
	base, ok := t.rates[strings.ToUpper(addr.Country)]
	if !ok {
		base, ok = t.rates[fallbackZone]
	}
	if !ok {
		return nil, nil
	}

	var subtotal int64
	for _, item := range items {
		subtotal += item.LineTotal()
	}

	standard := base
	if t.freeThreshold > 0 && subtotal >= t.freeThreshold {
		standard = 0
	}

	return []domain.ShippingMethod{
		{ID: MethodStandard, Name: "Standard", Carrier: "postal", Cost: standard, EstimatedDays: 5},
		{ID: MethodExpress, Name: "Express", Carrier: "courier", Cost: base * 2, EstimatedDays: 2},
	}, nil
}
