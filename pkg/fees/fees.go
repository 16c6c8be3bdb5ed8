// Package fees computes the platform and provider fees taken from a donation
// and the net amount owed to the campaign.
package fees

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	// MinPlatformPercent and MaxPlatformPercent bound the configurable platform fee.
	MinPlatformPercent = 6
	MaxPlatformPercent = 10

	// DefaultPlatformPercent is used when Config.PlatformPercent is zero.
	DefaultPlatformPercent = 8

	// DefaultProviderPercent and DefaultProviderFixedCents match Stripe's
	// published card rate (2.9% + 30c).
	DefaultProviderPercent    = 2.9
	DefaultProviderFixedCents = 30
)

var (
	// ErrPlatformFeeOutOfRange is returned when the platform percent is outside [6, 10].
	ErrPlatformFeeOutOfRange = errors.New("platform fee percent out of range")

	// ErrNegativeAmount is returned for negative gross amounts
	ErrNegativeAmount = errors.New("amount must not be negative")

	hundred = decimal.NewFromInt(100)
)

// Config holds the fee schedule.
type Config struct {
	// PlatformPercent is the platform's cut of the gross amount. Must be within
	// [MinPlatformPercent, MaxPlatformPercent].
	PlatformPercent float64

	// ProviderPercent and ProviderFixedCents describe the payment provider's
	// processing fee. Zero values fall back to the defaults.
	ProviderPercent    float64
	ProviderFixedCents int64
}

// DefaultConfig returns the default fee schedule.
func DefaultConfig() Config {
	return Config{
		PlatformPercent:    DefaultPlatformPercent,
		ProviderPercent:    DefaultProviderPercent,
		ProviderFixedCents: DefaultProviderFixedCents,
	}
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.PlatformPercent < MinPlatformPercent || c.PlatformPercent > MaxPlatformPercent {
		return fmt.Errorf("%w: %v not in [%d, %d]",
			ErrPlatformFeeOutOfRange, c.PlatformPercent, MinPlatformPercent, MaxPlatformPercent)
	}
	if c.ProviderPercent < 0 || c.ProviderFixedCents < 0 {
		return fmt.Errorf("provider fee must not be negative")
	}
	return nil
}

// Breakdown is the fee split for a single gross amount. All values are in
// minor currency units.
type Breakdown struct {
	AmountCents      int64 `json:"amountCents"`
	PlatformFeeCents int64 `json:"platformFeeCents"`
	ProviderFeeCents int64 `json:"providerFeeCents"`
	TotalFeeCents    int64 `json:"totalFeeCents"`
	NetCents         int64 `json:"netCents"`
}

// Calculator computes fee breakdowns. It is safe for concurrent use.
type Calculator struct {
	platformPercent decimal.Decimal
	providerPercent decimal.Decimal
	providerFixed   decimal.Decimal
	config          Config
}

// NewCalculator creates a calculator for the given schedule.
func NewCalculator(config Config) (*Calculator, error) {
	if config.ProviderPercent == 0 {
		config.ProviderPercent = DefaultProviderPercent
	}
	if config.ProviderFixedCents == 0 {
		config.ProviderFixedCents = DefaultProviderFixedCents
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Calculator{
		platformPercent: decimal.NewFromFloat(config.PlatformPercent),
		providerPercent: decimal.NewFromFloat(config.ProviderPercent),
		providerFixed:   decimal.NewFromInt(config.ProviderFixedCents),
		config:          config,
	}, nil
}

// Config returns the schedule the calculator was built with.
func (c *Calculator) Config() Config {
	return c.config
}

// Calculate splits amountCents into platform fee, provider fee and net payout.
// Fractional cents are rounded half away from zero. The net amount is clamped
// at zero when fees exceed the gross amount.
func (c *Calculator) Calculate(amountCents int64) (Breakdown, error) {
	if amountCents < 0 {
		return Breakdown{}, ErrNegativeAmount
	}

	amount := decimal.NewFromInt(amountCents)
	platform := amount.Mul(c.platformPercent).Div(hundred).Round(0).IntPart()
	provider := amount.Mul(c.providerPercent).Div(hundred).Add(c.providerFixed).Round(0).IntPart()

	total := platform + provider
	net := amountCents - total
	if net < 0 {
		net = 0
	}

	return Breakdown{
		AmountCents:      amountCents,
		PlatformFeeCents: platform,
		ProviderFeeCents: provider,
		TotalFeeCents:    total,
		NetCents:         net,
	}, nil
}
