package config

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// CommissionTier is one step of the referral commission table. A referrer's
// rate is the rate of the highest tier whose MinQualifying does not exceed the
// referrer's qualifying-invitee count.
type CommissionTier struct {
	MinQualifying int
	Rate          decimal.Decimal
}

// EngineConfig centralizes every policy number the ledger engine consumes.
// The tier table and reward amounts intentionally live here and nowhere else,
// so what users are shown and what gets credited can never drift apart.
type EngineConfig struct {
	CommissionTiers []CommissionTier

	DailyRewardAmount decimal.Decimal

	RandomRewardMin      decimal.Decimal
	RandomRewardMax      decimal.Decimal
	RandomRewardCooldown time.Duration

	IdempotencyKeyTTL time.Duration

	SupportedCurrencies []string
	SupportedNetworks   []string

	InviteBaseURL string
}

// LoadEngineConfig reads the engine policy through viper with production
// defaults. Tier thresholds are fixed; rates are tunable.
func LoadEngineConfig() *EngineConfig {
	viper.SetDefault("rewards.random.cooldown", 24*time.Hour)
	viper.SetDefault("idempotency.key_ttl", 24*time.Hour)
	viper.SetDefault("invite.base_url", "https://app.yieldvault.io/register")

	return &EngineConfig{
		CommissionTiers: []CommissionTier{
			{MinQualifying: 0, Rate: decimalSetting("commission.rate_tier1", "0.25")},
			{MinQualifying: 5, Rate: decimalSetting("commission.rate_tier2", "0.30")},
			{MinQualifying: 10, Rate: decimalSetting("commission.rate_tier3", "0.35")},
		},
		DailyRewardAmount:    decimalSetting("rewards.daily.amount", "0.50"),
		RandomRewardMin:      decimalSetting("rewards.random.min", "0.01"),
		RandomRewardMax:      decimalSetting("rewards.random.max", "2.00"),
		RandomRewardCooldown: viper.GetDuration("rewards.random.cooldown"),
		IdempotencyKeyTTL:    viper.GetDuration("idempotency.key_ttl"),
		SupportedCurrencies:  []string{"USDT"},
		SupportedNetworks:    []string{"TRC20", "ERC20", "BEP20"},
		InviteBaseURL:        viper.GetString("invite.base_url"),
	}
}

// PrimaryCurrency is the settlement currency the platform operates in; the
// first entry of the supported list.
func (c *EngineConfig) PrimaryCurrency() string {
	return c.SupportedCurrencies[0]
}

// TierRateFor returns the commission rate for a referrer with the given
// qualifying-invitee count. Monotonic in count by construction.
func (c *EngineConfig) TierRateFor(qualifying int) decimal.Decimal {
	rate := decimal.Zero
	for _, tier := range c.CommissionTiers {
		if qualifying >= tier.MinQualifying {
			rate = tier.Rate
		}
	}
	return rate
}

// SupportsCurrency reports whether deposits in the currency are accepted.
func (c *EngineConfig) SupportsCurrency(currency string) bool {
	for _, cur := range c.SupportedCurrencies {
		if cur == currency {
			return true
		}
	}
	return false
}

// SupportsNetwork reports whether the deposit network is accepted.
func (c *EngineConfig) SupportsNetwork(network string) bool {
	for _, n := range c.SupportedNetworks {
		if n == network {
			return true
		}
	}
	return false
}

// decimalSetting registers the default and parses the effective value; a
// malformed override falls back to the default rather than a zero rate.
func decimalSetting(key, defaultVal string) decimal.Decimal {
	viper.SetDefault(key, defaultVal)
	if d, err := decimal.NewFromString(viper.GetString(key)); err == nil {
		return d
	}
	d, _ := decimal.NewFromString(defaultVal)
	return d
}
