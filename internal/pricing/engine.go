package pricing

import (
	"fmt"
	"time"

	"marketplace-service/internal/money"
)

// Settings carries the storefront-level switches the engine needs. It is
// threaded in explicitly; the engine reads no ambient state.
type Settings struct {
	// StockTracking excludes zero-stock variations from variable-mode quotes.
	StockTracking bool
}

// QuoteOptions select how a quote is computed.
type QuoteOptions struct {
	// WithDiscounts resolves PriceTerms to their discount amount when present.
	WithDiscounts bool
	// RangeLength is the booking range length in range units; must be >= 1 in
	// booking mode. Ignored elsewhere.
	RangeLength int64
	// AtDate resolves date/weekday price overrides for booking quotes.
	AtDate *time.Time
	// Checkout evaluates the buyer's actual selection: out-of-bounds
	// quantities fail instead of clamping to the declared bounds.
	Checkout bool
}

// Engine computes product price quotes. Quote is deterministic and free of
// side effects, so re-pricing during settlement disputes is safe.
type Engine struct {
	settings Settings
}

// NewEngine creates a pricing engine with the given settings.
func NewEngine(settings Settings) *Engine {
	return &Engine{settings: settings}
}

// Quote computes the price for one unit count of the configured product.
func (e *Engine) Quote(cfg ProductConfig, sel Selection, opts QuoteOptions) (money.Money, error) {
	if opts.Checkout && sel.Quantity < 0 {
		return money.Money{}, &ValidationError{Field: "quantity", Reason: "negative quantity"}
	}

	var unit money.Money
	var err error

	switch cfg.Mode {
	case ModeSimple:
		unit, err = e.quoteSimple(cfg, sel, opts)
	case ModeVariable:
		unit, err = e.quoteVariable(cfg, sel, opts)
	case ModeBooking:
		unit, err = e.quoteBooking(cfg, sel, opts)
	default:
		return money.Money{}, fmt.Errorf("%w: %q", ErrUnsupportedProductMode, cfg.Mode)
	}
	if err != nil {
		return money.Money{}, err
	}

	qty := sel.Quantity
	if qty < 1 {
		qty = 1
	}
	return unit.MulInt(qty), nil
}

func (e *Engine) quoteSimple(cfg ProductConfig, sel Selection, opts QuoteOptions) (money.Money, error) {
	total := cfg.BasePrice.Effective(opts.WithDiscounts)
	return e.addAddons(total, cfg.Addons, sel, 1, opts.Checkout)
}

func (e *Engine) quoteVariable(cfg ProductConfig, sel Selection, opts QuoteOptions) (money.Money, error) {
	base, err := e.variationPrice(cfg, sel, opts)
	if err != nil {
		return money.Money{}, err
	}
	return e.addAddons(base, cfg.Addons, sel, 1, opts.Checkout)
}

func (e *Engine) variationPrice(cfg ProductConfig, sel Selection, opts QuoteOptions) (money.Money, error) {
	if sel.VariationKey != "" {
		for _, v := range cfg.Variations {
			if v.Key != sel.VariationKey {
				continue
			}
			if !e.variationAvailable(v) {
				if opts.Checkout {
					return money.Money{}, &ValidationError{
						Field:  "variation",
						Reason: fmt.Sprintf("%q is not available", sel.VariationKey),
					}
				}
				break
			}
			return v.Price.Effective(opts.WithDiscounts), nil
		}
		if opts.Checkout {
			return money.Money{}, &ValidationError{
				Field:  "variation",
				Reason: fmt.Sprintf("unknown variation %q", sel.VariationKey),
			}
		}
	}

	// Minimum quote: cheapest available variation, zero when none exists.
	var lowest money.Money
	found := false
	for _, v := range cfg.Variations {
		if !e.variationAvailable(v) {
			continue
		}
		price := v.Price.Effective(opts.WithDiscounts)
		if !found {
			lowest = price
			found = true
			continue
		}
		cmp, err := price.Cmp(lowest)
		if err != nil {
			return money.Money{}, err
		}
		if cmp < 0 {
			lowest = price
		}
	}
	if !found {
		return money.Zero(cfg.Currency), nil
	}
	return lowest, nil
}

func (e *Engine) variationAvailable(v Variation) bool {
	if !v.Enabled {
		return false
	}
	if e.settings.StockTracking && v.Stock != nil && *v.Stock <= 0 {
		return false
	}
	return true
}

func (e *Engine) quoteBooking(cfg ProductConfig, sel Selection, opts QuoteOptions) (money.Money, error) {
	rangeLen := opts.RangeLength
	if rangeLen < 1 {
		return money.Money{}, &ValidationError{Field: "range_length", Reason: "must be at least 1"}
	}
	if opts.Checkout && cfg.Booking != nil {
		if rangeLen < cfg.Booking.MinRange {
			return money.Money{}, &ValidationError{
				Field:  "range_length",
				Reason: fmt.Sprintf("%d below minimum range %d", rangeLen, cfg.Booking.MinRange),
			}
		}
		if cfg.Booking.MaxRange > 0 && rangeLen > cfg.Booking.MaxRange {
			return money.Money{}, &ValidationError{
				Field:  "range_length",
				Reason: fmt.Sprintf("%d above maximum range %d", rangeLen, cfg.Booking.MaxRange),
			}
		}
	}

	basePrice := cfg.BasePrice
	addons := cfg.Addons

	if opts.AtDate != nil {
		if rule, ok := MatchOverride(cfg.Overrides, *opts.AtDate); ok {
			if rule.BasePrice != nil {
				basePrice = *rule.BasePrice
			}
			addons = applyAddonOverrides(addons, rule.AddonPrices)
		}
	}

	total := basePrice.Effective(opts.WithDiscounts).MulInt(rangeLen)
	return e.addAddons(total, addons, sel, rangeLen, opts.Checkout)
}

func (e *Engine) addAddons(total money.Money, addons []AddonDefinition, sel Selection, rangeLen int64, checkout bool) (money.Money, error) {
	for _, def := range addons {
		contribution, err := EvaluateAddon(def, sel.Addons[def.Key], rangeLen, checkout)
		if err != nil {
			return money.Money{}, err
		}
		total, err = total.Add(contribution)
		if err != nil {
			return money.Money{}, err
		}
	}
	return total, nil
}

// applyAddonOverrides substitutes overridden addon prices, leaving everything
// the rule does not mention at its base value.
func applyAddonOverrides(addons []AddonDefinition, prices map[string]money.Money) []AddonDefinition {
	if len(prices) == 0 {
		return addons
	}
	out := make([]AddonDefinition, len(addons))
	copy(out, addons)
	for i := range out {
		price, ok := prices[out[i].Key]
		if !ok {
			continue
		}
		switch out[i].Kind {
		case AddonNumeric, AddonSwitcher:
			out[i].Price = price
		default:
			choices := make([]AddonChoice, len(out[i].Choices))
			copy(choices, out[i].Choices)
			for j := range choices {
				choices[j].Price = price
			}
			out[i].Choices = choices
		}
	}
	return out
}
