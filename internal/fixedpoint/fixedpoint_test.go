package fixedpoint

import (
	"errors"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestValidate(t *testing.T) {
	huge := FromBaseUnits(new(big.Int).Lsh(big.NewInt(1), 256), 8)

	tests := []struct {
		name    string
		amount  decimal.Decimal
		scale   int32
		wantErr error
	}{
		{"positive integer", d("1000"), 8, nil},
		{"fractional within scale", d("0.00000001"), 8, nil},
		{"zero", d("0"), 8, ErrNonPositive},
		{"negative", d("-1"), 8, ErrNonPositive},
		{"too precise", d("0.000000001"), 8, ErrPrecision},
		{"overflow", huge, 8, ErrOverflow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.amount, tt.scale)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestMulDiv_Truncates(t *testing.T) {
	got, err := MulDiv(d("10"), d("1"), d("3"), 8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d("3.33333333")) {
		t.Errorf("expected 3.33333333, got %s", got)
	}
}

func TestMulDiv_ExactAtLargeScale(t *testing.T) {
	// 1000 * 1000 / 1050 at 18 decimals, then back again.
	shares, err := MulDiv(d("1000"), d("1000"), d("1050"), ShareScale)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	back, _ := MulDiv(shares, d("2050"), d("1000").Add(shares), 8)
	if back.Sub(d("1000")).Abs().GreaterThan(d("0.00000001")) {
		t.Errorf("round trip drifted: got %s", back)
	}
}

func TestMulDiv_ZeroDivisor(t *testing.T) {
	if _, err := MulDiv(d("1"), d("1"), decimal.Zero, 8); err != ErrDivideByZero {
		t.Errorf("expected ErrDivideByZero, got %v", err)
	}
}

func TestPerMilleOf(t *testing.T) {
	tests := []struct {
		amount string
		rate   int64
		want   string
	}{
		{"1000", 30, "30"},
		{"1000", 100, "100"},
		{"1000", 1000, "1000"},
		{"1000", 0, "0"},
		{"0.00000099", 30, "0.00000002"}, // 2.97e-8 truncates
	}
	for _, tt := range tests {
		got := PerMilleOf(d(tt.amount), tt.rate, 8)
		if !got.Equal(d(tt.want)) {
			t.Errorf("PerMilleOf(%s, %d) = %s, want %s", tt.amount, tt.rate, got, tt.want)
		}
	}
}

func TestSubFloor(t *testing.T) {
	if got := SubFloor(d("5"), d("7")); !got.IsZero() {
		t.Errorf("expected 0, got %s", got)
	}
	if got := SubFloor(d("7"), d("5")); !got.Equal(d("2")) {
		t.Errorf("expected 2, got %s", got)
	}
}

func TestBaseUnitsRoundTrip(t *testing.T) {
	amount := d("123.45678901")
	units := ToBaseUnits(amount, 8)
	if units.String() != "12345678901" {
		t.Fatalf("unexpected base units %s", units)
	}
	if got := FromBaseUnits(units, 8); !got.Equal(amount) {
		t.Errorf("expected %s, got %s", amount, got)
	}
}
