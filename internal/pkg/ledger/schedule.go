package ledger

import (
	"time"

	"github.com/chainbillhq/chainbill/app/models"
)

// NextPeriodStart returns the start of the period after one beginning at
// from, per the price's interval. Month and year arithmetic follows
// time.AddDate normalization (Jan 31 + 1 month = Mar 2/3), which matches
// how the processor side bills as well.
func NextPeriodStart(from time.Time, intervalType string, intervalCount int) time.Time {
	if intervalCount <= 0 {
		intervalCount = 1
	}
	switch intervalType {
	case models.IntervalDay:
		return from.AddDate(0, 0, intervalCount)
	case models.IntervalWeek:
		return from.AddDate(0, 0, 7*intervalCount)
	case models.IntervalYear:
		return from.AddDate(intervalCount, 0, 0)
	default: // month
		return from.AddDate(0, intervalCount, 0)
	}
}

// IsTermComplete reports whether a subscription has redeemed its full term.
// Zero term length means open-ended: never complete.
func IsTermComplete(totalRedemptions, termLength int) bool {
	return termLength > 0 && totalRedemptions >= termLength
}
