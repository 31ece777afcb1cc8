package pricing

import "time"

// MatchOverride finds the first rule with any matching condition for the
// given date. Rules and their conditions are evaluated in declaration order;
// genuinely overlapping rules resolve to the first declared, there is no
// specificity ranking. ok=false means no rule applies and the caller falls
// back to the product's base price terms.
func MatchOverride(rules []PriceOverrideRule, date time.Time) (*PriceOverrideRule, bool) {
	day := utcDay(date)
	for i := range rules {
		for _, cond := range rules[i].Conditions {
			if conditionMatches(cond, day) {
				return &rules[i], true
			}
		}
	}
	return nil, false
}

func conditionMatches(cond OverrideCondition, day time.Time) bool {
	switch cond.Kind {
	case ConditionDateRange:
		from, to := utcDay(cond.From), utcDay(cond.To)
		return !day.Before(from) && !day.After(to)
	case ConditionSingleDate:
		return day.Equal(utcDay(cond.Date))
	case ConditionWeekdaySet:
		for _, wd := range cond.Weekdays {
			if day.Weekday() == wd {
				return true
			}
		}
	}
	return false
}

// utcDay truncates a timestamp to its UTC calendar day.
func utcDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
