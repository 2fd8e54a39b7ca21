// Package insights derives the dashboard's sustainability and cost figures
// from stored inverter metrics.
package insights

import (
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/shopspring/decimal"
)

// Config holds the constants the insights are computed with.
type Config struct {
	// EmissionFactor is kg of CO2 avoided per kWh produced.
	EmissionFactor float64
	// Tariff is the grid price per kWh in Currency.
	Tariff   decimal.Decimal
	Currency string
	// MonthlyTarget is the cost saving goal shown against the weekly balance.
	MonthlyTarget decimal.Decimal
	// OnlineWindow is how recent the last collection must be for a device to
	// count as online.
	OnlineWindow time.Duration
}

// DefaultConfig uses the Indonesian grid average and PLN business tariff.
func DefaultConfig() Config {
	return Config{
		EmissionFactor: 0.82,
		Tariff:         decimal.NewFromInt(1500),
		Currency:       "IDR",
		MonthlyTarget:  decimal.NewFromInt(1_500_000),
		OnlineWindow:   time.Minute,
	}
}

// Configured sets up the Config based on flags.
func Configured() *Config {
	def := DefaultConfig()
	emissionFactor := def.EmissionFactor
	lflag.JSON(&emissionFactor, "emission-factor-kg-per-kwh", emissionFactor, "kg of CO2 avoided per kWh of PV production")
	tariff := lflag.String("grid-tariff-per-kwh", def.Tariff.String(), "Grid tariff per kWh, in tariff-currency")
	currency := lflag.String("tariff-currency", def.Currency, "ISO 4217 currency of the grid tariff")
	target := lflag.String("monthly-saving-target", def.MonthlyTarget.String(), "Monthly cost saving target, in tariff-currency")
	onlineWindow := lflag.Duration("online-window", def.OnlineWindow, "A device is online if its last collection is newer than this")

	c := &def
	lflag.Do(func() {
		var err error
		c.EmissionFactor = emissionFactor
		if c.Tariff, err = decimal.NewFromString(*tariff); err != nil {
			panic(fmt.Errorf("invalid grid-tariff-per-kwh: %w", err))
		}
		if c.MonthlyTarget, err = decimal.NewFromString(*target); err != nil {
			panic(fmt.Errorf("invalid monthly-saving-target: %w", err))
		}
		c.Currency = *currency
		if *onlineWindow <= 0 {
			panic("online-window must be positive")
		}
		c.OnlineWindow = *onlineWindow
	})
	return c
}

var currencySymbols = map[string]string{
	"IDR": "Rp",
	"USD": "$",
	"EUR": "€",
}

// FormatMoney renders an amount rounded to whole units with thousands
// separators, e.g. "Rp1,234,500".
func (c Config) FormatMoney(d decimal.Decimal) string {
	sym, ok := currencySymbols[c.Currency]
	if !ok {
		sym = c.Currency + " "
	}
	s := d.Round(0).StringFixed(0)
	neg := false
	if len(s) > 0 && s[0] == '-' {
		neg = true
		s = s[1:]
	}
	var out []byte
	for i := range len(s) {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, s[i])
	}
	if neg {
		return "-" + sym + string(out)
	}
	return sym + string(out)
}
