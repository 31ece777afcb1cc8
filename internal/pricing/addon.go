package pricing

import (
	"fmt"

	"marketplace-service/internal/money"
)

// EvaluateAddon computes the incremental cost of one configured addon for the
// given selection. It is a pure function.
//
// Two evaluation modes exist. Estimate mode (checkout=false) models the
// cheapest possible configuration: quantities are clamped into the declared
// bounds and optional select addons without a selection contribute zero.
// Checkout mode (checkout=true) evaluates an actual buyer selection:
// quantities outside the declared bounds are a ValidationError, never
// silently clamped.
//
// rangeLen multiplies the contribution when the addon repeats over a booking
// range; callers pass 1 outside booking mode.
func EvaluateAddon(def AddonDefinition, sel AddonSelection, rangeLen int64, checkout bool) (money.Money, error) {
	if checkout && sel.Quantity < 0 {
		return money.Money{}, &ValidationError{Field: "addon " + def.Key, Reason: "negative quantity"}
	}

	var contribution money.Money
	var err error

	switch def.Kind {
	case AddonNumeric:
		contribution, err = evaluateNumeric(def, sel, checkout)
	case AddonSwitcher:
		contribution, err = evaluateSwitcher(def, sel)
	case AddonSelect, AddonMultiSelect:
		contribution, err = evaluateSelect(def, sel, false, checkout)
	case AddonCustomSelect, AddonCustomMultiSelect:
		contribution, err = evaluateSelect(def, sel, true, checkout)
	default:
		return money.Money{}, &ValidationError{
			Field:  "addon " + def.Key,
			Reason: fmt.Sprintf("unknown kind %q", def.Kind),
		}
	}
	if err != nil {
		return money.Money{}, err
	}

	if def.RepeatsOverRange && rangeLen > 1 {
		contribution = contribution.MulInt(rangeLen)
	}
	return contribution, nil
}

func evaluateNumeric(def AddonDefinition, sel AddonSelection, checkout bool) (money.Money, error) {
	if !def.Required && !sel.Enabled {
		return money.Zero(def.Price.Currency), nil
	}

	qty := sel.Quantity
	if checkout {
		if qty < def.MinQuantity {
			return money.Money{}, &ValidationError{
				Field:  "addon " + def.Key,
				Reason: fmt.Sprintf("quantity %d below minimum %d", qty, def.MinQuantity),
			}
		}
		if def.MaxQuantity > 0 && qty > def.MaxQuantity {
			return money.Money{}, &ValidationError{
				Field:  "addon " + def.Key,
				Reason: fmt.Sprintf("quantity %d above maximum %d", qty, def.MaxQuantity),
			}
		}
	} else {
		qty = clampQuantity(qty, def.MinQuantity, def.MaxQuantity)
	}

	return def.Price.MulInt(qty), nil
}

func evaluateSwitcher(def AddonDefinition, sel AddonSelection) (money.Money, error) {
	if def.Required || sel.Enabled {
		return def.Price, nil
	}
	return money.Zero(def.Price.Currency), nil
}

// evaluateSelect covers the four choice-list kinds. custom toggles the
// per-choice bulk quantity multiplier.
func evaluateSelect(def AddonDefinition, sel AddonSelection, custom, checkout bool) (money.Money, error) {
	if len(sel.ChoiceKeys) > 0 {
		return evaluateChosen(def, sel, custom, checkout)
	}

	// Minimum-price estimate: an optional addon nobody picked contributes
	// zero; a required one contributes its cheapest enabled choice.
	if !def.Required {
		return money.Zero(currencyOfChoices(def)), nil
	}
	return cheapestChoice(def, custom)
}

func evaluateChosen(def AddonDefinition, sel AddonSelection, custom, checkout bool) (money.Money, error) {
	total := money.Zero(currencyOfChoices(def))
	for _, key := range sel.ChoiceKeys {
		choice, ok := findChoice(def.Choices, key)
		if !ok || !choice.Enabled {
			if checkout {
				return money.Money{}, &ValidationError{
					Field:  "addon " + def.Key,
					Reason: fmt.Sprintf("choice %q is not available", key),
				}
			}
			continue
		}

		price := choice.Price
		if custom {
			qty := sel.ChoiceQuantities[key]
			if qty == 0 {
				qty = bulkFloor(choice)
			}
			if checkout {
				if qty < 0 {
					return money.Money{}, &ValidationError{Field: "addon " + def.Key, Reason: "negative quantity"}
				}
				if qty < choice.MinQuantity {
					return money.Money{}, &ValidationError{
						Field:  "addon " + def.Key,
						Reason: fmt.Sprintf("choice %q quantity %d below minimum %d", key, qty, choice.MinQuantity),
					}
				}
				if choice.MaxQuantity > 0 && qty > choice.MaxQuantity {
					return money.Money{}, &ValidationError{
						Field:  "addon " + def.Key,
						Reason: fmt.Sprintf("choice %q quantity %d above maximum %d", key, qty, choice.MaxQuantity),
					}
				}
			} else {
				qty = clampQuantity(qty, choice.MinQuantity, choice.MaxQuantity)
			}
			price = price.MulInt(qty)
		}

		var err error
		total, err = total.Add(price)
		if err != nil {
			return money.Money{}, err
		}
	}
	return total, nil
}

// cheapestChoice returns the lowest-priced enabled choice; ties resolve to
// the first declared.
func cheapestChoice(def AddonDefinition, custom bool) (money.Money, error) {
	var lowest money.Money
	found := false
	for _, choice := range def.Choices {
		if !choice.Enabled {
			continue
		}
		price := choice.Price
		if custom {
			price = price.MulInt(bulkFloor(choice))
		}
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
		return money.Zero(currencyOfChoices(def)), nil
	}
	return lowest, nil
}

func findChoice(choices []AddonChoice, key string) (AddonChoice, bool) {
	for _, c := range choices {
		if c.Key == key {
			return c, true
		}
	}
	return AddonChoice{}, false
}

func bulkFloor(choice AddonChoice) int64 {
	if choice.MinQuantity > 1 {
		return choice.MinQuantity
	}
	return 1
}

func clampQuantity(qty, min, max int64) int64 {
	if qty < min {
		qty = min
	}
	if max > 0 && qty > max {
		qty = max
	}
	return qty
}

func currencyOfChoices(def AddonDefinition) string {
	if len(def.Choices) > 0 {
		return def.Choices[0].Price.Currency
	}
	return def.Price.Currency
}
