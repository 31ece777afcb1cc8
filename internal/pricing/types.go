package pricing

import (
	"errors"
	"fmt"
	"time"

	"marketplace-service/internal/money"
)

// Mode selects how a product's price is assembled.
type Mode string

const (
	ModeSimple   Mode = "simple"
	ModeVariable Mode = "variable"
	ModeBooking  Mode = "booking"
)

// ErrUnsupportedProductMode is returned for a Mode outside the known set.
var ErrUnsupportedProductMode = errors.New("unsupported product mode")

// ValidationError reports malformed pricing input. It is surfaced to the
// checkout layer synchronously and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PriceTerm is a base/discount price pair. The effective price is the
// discount amount when present and requested, otherwise the base amount.
type PriceTerm struct {
	Amount         money.Money  `json:"amount"`
	DiscountAmount *money.Money `json:"discount_amount,omitempty"`
}

// Effective resolves the term to a single amount.
func (t PriceTerm) Effective(withDiscounts bool) money.Money {
	if withDiscounts && t.DiscountAmount != nil {
		return *t.DiscountAmount
	}
	return t.Amount
}

// Validate checks the discount-never-exceeds-base invariant.
func (t PriceTerm) Validate() error {
	if t.DiscountAmount == nil {
		return nil
	}
	cmp, err := t.DiscountAmount.Cmp(t.Amount)
	if err != nil {
		return err
	}
	if cmp > 0 {
		return &ValidationError{Field: "discount_amount", Reason: "exceeds base amount"}
	}
	return nil
}

// AddonKind enumerates the closed set of addon variants. Evaluation is a
// single exhaustive switch so an unhandled kind cannot slip through.
type AddonKind string

const (
	AddonNumeric           AddonKind = "numeric"
	AddonSwitcher          AddonKind = "switcher"
	AddonSelect            AddonKind = "select"
	AddonMultiSelect       AddonKind = "multiselect"
	AddonCustomSelect      AddonKind = "custom_select"
	AddonCustomMultiSelect AddonKind = "custom_multiselect"
)

// AddonChoice is one selectable entry of a (custom) select/multiselect addon.
// MinQuantity/MaxQuantity bound the per-choice bulk quantity of the custom
// kinds; plain select kinds ignore them.
type AddonChoice struct {
	Key         string      `json:"key"`
	Enabled     bool        `json:"enabled"`
	Price       money.Money `json:"price"`
	MinQuantity int64       `json:"min_quantity,omitempty"`
	MaxQuantity int64       `json:"max_quantity,omitempty"`
}

// AddonDefinition describes one priced modifier attached to a product.
type AddonDefinition struct {
	Key              string        `json:"key"`
	Kind             AddonKind     `json:"kind"`
	Required         bool          `json:"required"`
	RepeatsOverRange bool          `json:"repeats_over_range"`
	Price            money.Money   `json:"price"`        // flat (switcher) or per-unit (numeric)
	MinQuantity      int64         `json:"min_quantity"` // numeric bounds
	MaxQuantity      int64         `json:"max_quantity"`
	Choices          []AddonChoice `json:"choices,omitempty"`
}

// AddonSelection captures what the buyer picked for one addon.
type AddonSelection struct {
	Enabled          bool             `json:"enabled"`
	Quantity         int64            `json:"quantity"`
	ChoiceKeys       []string         `json:"choice_keys,omitempty"`
	ChoiceQuantities map[string]int64 `json:"choice_quantities,omitempty"`
}

// Selection is the buyer-side counterpart of a ProductConfig.
type Selection struct {
	Addons       map[string]AddonSelection `json:"addons,omitempty"`
	VariationKey string                    `json:"variation_key,omitempty"`
	Quantity     int64                     `json:"quantity,omitempty"`
}

// Variation is one purchasable variant of a variable-mode product.
// A nil Stock means stock is not tracked for this variation.
type Variation struct {
	Key     string    `json:"key"`
	Enabled bool      `json:"enabled"`
	Price   PriceTerm `json:"price"`
	Stock   *int64    `json:"stock,omitempty"`
}

// BookingConstraints bound the length of a requested booking range.
type BookingConstraints struct {
	MinRange int64 `json:"min_range"`
	MaxRange int64 `json:"max_range"`
}

// ConditionKind enumerates override rule condition variants.
type ConditionKind string

const (
	ConditionDateRange  ConditionKind = "date_range"
	ConditionSingleDate ConditionKind = "single_date"
	ConditionWeekdaySet ConditionKind = "weekday_set"
)

// OverrideCondition matches a calendar date. Exactly the fields for its Kind
// are set.
type OverrideCondition struct {
	Kind     ConditionKind  `json:"kind"`
	From     time.Time      `json:"from,omitempty"`
	To       time.Time      `json:"to,omitempty"`
	Date     time.Time      `json:"date,omitempty"`
	Weekdays []time.Weekday `json:"weekdays,omitempty"`
}

// PriceOverrideRule substitutes price terms on dates its conditions match.
// A nil BasePrice or an absent addon key leaves the base value in force.
type PriceOverrideRule struct {
	Conditions  []OverrideCondition    `json:"conditions"`
	BasePrice   *PriceTerm             `json:"base_price,omitempty"`
	AddonPrices map[string]money.Money `json:"addon_prices,omitempty"`
}

// ProductConfig is the immutable snapshot a quote is computed against.
type ProductConfig struct {
	Mode       Mode                `json:"mode"`
	Currency   string              `json:"currency"`
	BasePrice  PriceTerm           `json:"base_price"`
	Addons     []AddonDefinition   `json:"addons,omitempty"`
	Overrides  []PriceOverrideRule `json:"overrides,omitempty"`
	Variations []Variation         `json:"variations,omitempty"`
	Booking    *BookingConstraints `json:"booking,omitempty"`
}
