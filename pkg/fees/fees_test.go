package fees

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCalculator(t *testing.T, platformPercent float64) *Calculator {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PlatformPercent = platformPercent
	calc, err := NewCalculator(cfg)
	require.NoError(t, err)
	return calc
}

func TestCalculate_Scenarios(t *testing.T) {
	tests := []struct {
		name   string
		amount int64
		want   Breakdown
	}{
		{
			name:   "hundred dollars",
			amount: 10000,
			want: Breakdown{
				AmountCents: 10000, PlatformFeeCents: 800, ProviderFeeCents: 320,
				TotalFeeCents: 1120, NetCents: 8880,
			},
		},
		{
			name:   "one dollar",
			amount: 100,
			want: Breakdown{
				AmountCents: 100, PlatformFeeCents: 8, ProviderFeeCents: 33,
				TotalFeeCents: 41, NetCents: 59,
			},
		},
		{
			name:   "fees exceed amount",
			amount: 30,
			want: Breakdown{
				AmountCents: 30, PlatformFeeCents: 2, ProviderFeeCents: 31,
				TotalFeeCents: 33, NetCents: 0,
			},
		},
		{
			name:   "zero",
			amount: 0,
			want: Breakdown{
				ProviderFeeCents: 30, TotalFeeCents: 30,
			},
		},
	}

	calc := newTestCalculator(t, 8)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := calc.Calculate(tt.amount)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCalculate_RoundsHalfAwayFromZero(t *testing.T) {
	// 6% of 125 = 7.5
	calc := newTestCalculator(t, 6)

	got, err := calc.Calculate(125)
	require.NoError(t, err)
	assert.Equal(t, int64(8), got.PlatformFeeCents, "7.5 must round up")

	// 2.9% of 50 = 1.45, +30 = 31.45
	got, err = calc.Calculate(50)
	require.NoError(t, err)
	assert.Equal(t, int64(31), got.ProviderFeeCents)
	assert.Equal(t, int64(3), got.PlatformFeeCents)
}

func TestCalculate_NetPlusFeesEqualsAmount(t *testing.T) {
	for _, pct := range []float64{6, 7.5, 8, 10} {
		calc := newTestCalculator(t, pct)
		for amount := int64(50); amount <= 20000; amount += 7 {
			b, err := calc.Calculate(amount)
			if err != nil {
				t.Fatalf("Calculate(%d) failed: %v", amount, err)
			}
			if b.NetCents < 0 {
				t.Fatalf("pct=%v amount=%d: negative net %d", pct, amount, b.NetCents)
			}
			if b.NetCents+b.TotalFeeCents != amount {
				t.Fatalf("pct=%v amount=%d: net %d + fees %d != amount",
					pct, amount, b.NetCents, b.TotalFeeCents)
			}
			if b.TotalFeeCents != b.PlatformFeeCents+b.ProviderFeeCents {
				t.Fatalf("pct=%v amount=%d: total fee mismatch", pct, amount)
			}
		}
	}
}

func TestCalculate_NegativeAmount(t *testing.T) {
	calc := newTestCalculator(t, 8)
	_, err := calc.Calculate(-1)
	assert.ErrorIs(t, err, ErrNegativeAmount)
}

func TestNewCalculator_PlatformPercentRange(t *testing.T) {
	tests := []struct {
		pct     float64
		wantErr bool
	}{
		{pct: 5.99, wantErr: true},
		{pct: 6, wantErr: false},
		{pct: 10, wantErr: false},
		{pct: 10.01, wantErr: true},
		{pct: 0, wantErr: true},
	}

	for _, tt := range tests {
		cfg := DefaultConfig()
		cfg.PlatformPercent = tt.pct
		_, err := NewCalculator(cfg)
		if tt.wantErr {
			if !errors.Is(err, ErrPlatformFeeOutOfRange) {
				t.Errorf("pct=%v: expected ErrPlatformFeeOutOfRange, got %v", tt.pct, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("pct=%v: unexpected error %v", tt.pct, err)
		}
	}
}

func TestNewCalculator_ProviderDefaults(t *testing.T) {
	calc, err := NewCalculator(Config{PlatformPercent: 8})
	require.NoError(t, err)
	assert.Equal(t, DefaultProviderPercent, calc.Config().ProviderPercent)
	assert.Equal(t, int64(DefaultProviderFixedCents), calc.Config().ProviderFixedCents)
}
