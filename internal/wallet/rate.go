package wallet

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Rate converts a provider currency amount into points. A version is never
// edited once transactions were issued under it; publish a new version instead.
type Rate struct {
	Version       string
	PointsPerUnit map[string]int64
}

// RateV1 is 100 points per whole currency unit.
var RateV1 = Rate{
	Version: "v1",
	PointsPerUnit: map[string]int64{
		"USD": 100,
		"EUR": 100,
		"GBP": 100,
	},
}

var maxOrderAmount = decimal.NewFromInt(1_000_000)

type RateTable struct {
	versions map[string]Rate
	active   string
}

func NewRateTable(active string, rates ...Rate) (*RateTable, error) {
	t := &RateTable{versions: make(map[string]Rate, len(rates))}
	for _, r := range rates {
		t.versions[r.Version] = r
	}
	if _, ok := t.versions[active]; !ok {
		return nil, fmt.Errorf("unknown rate version %q", active)
	}
	t.active = active
	return t, nil
}

func DefaultRates() *RateTable {
	t, _ := NewRateTable(RateV1.Version, RateV1)
	return t
}

func (t *RateTable) Active() string {
	return t.active
}

// Points converts amount under the active version and returns that version.
func (t *RateTable) Points(amount decimal.Decimal, currency string) (int64, string, error) {
	return t.PointsAt(t.active, amount, currency)
}

func (t *RateTable) PointsAt(version string, amount decimal.Decimal, currency string) (int64, string, error) {
	rate, ok := t.versions[version]
	if !ok {
		return 0, "", fmt.Errorf("unknown rate version %q", version)
	}
	if !amount.IsPositive() || amount.GreaterThan(maxOrderAmount) {
		return 0, "", fmt.Errorf("%w: %s", ErrInvalidAmount, amount.String())
	}
	if !amount.Equal(amount.Round(2)) {
		return 0, "", fmt.Errorf("%w: more than 2 decimal places", ErrInvalidAmount)
	}
	per, ok := rate.PointsPerUnit[strings.ToUpper(currency)]
	if !ok {
		return 0, "", fmt.Errorf("%w: unsupported currency %q", ErrInvalidAmount, currency)
	}
	points := amount.Mul(decimal.NewFromInt(per))
	if !points.IsInteger() {
		return 0, "", fmt.Errorf("%w: %s %s is not a whole number of points", ErrInvalidAmount, amount.String(), currency)
	}
	return points.IntPart(), rate.Version, nil
}
