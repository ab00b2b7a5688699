package shipping

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/checkoutflow/internal/domain"
)

func TestQuote(t *testing.T) {
	p := NewTableProvider(map[string]int{"us": 700, "*": 1500}, 10000)
	items := []domain.LineItem{{UnitPrice: 5000, Quantity: 1}}

	tests := []struct {
		name     string
		country  string
		items    []domain.LineItem
		standard int64
		express  int64
	}{
		{"domestic", "US", items, 700, 1400},
		{"fallback zone", "FR", items, 1500, 3000},
		{"free over threshold", "US", []domain.LineItem{{UnitPrice: 5000, Quantity: 2}}, 0, 1400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			methods, err := p.Quote(context.Background(), domain.Address{Country: tt.country}, tt.items)
			require.NoError(t, err)
			require.Len(t, methods, 2)
			assert.Equal(t, MethodStandard, methods[0].ID)
			assert.Equal(t, tt.standard, methods[0].Cost)
			assert.Equal(t, tt.express, methods[1].Cost)
		})
	}
}

func TestQuote_UnservedCountry(t *testing.T) {
	p := NewTableProvider(map[string]int{"US": 700}, 0)
	methods, err := p.Quote(context.Background(), domain.Address{Country: "JP"}, nil)
	require.NoError(t, err)
	assert.Empty(t, methods)
}
