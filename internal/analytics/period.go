package analytics

import (
	"time"

	"listing-bot/internal/models"
)

// DateLayout is the period_date format.
const DateLayout = "2006-01-02"

// Anchor normalizes t to the start of its period: the day itself, the ISO
// week's Monday, or the first of the month. Always UTC midnight.
func Anchor(kind models.PeriodKind, t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch kind {
	case models.PeriodWeekly:
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case models.PeriodMonthly:
		return time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return day
	}
}

// PreviousAnchor is the anchor of the immediately preceding period.
func PreviousAnchor(kind models.PeriodKind, anchor time.Time) time.Time {
	switch kind {
	case models.PeriodWeekly:
		return anchor.AddDate(0, 0, -7)
	case models.PeriodMonthly:
		return anchor.AddDate(0, -1, 0)
	default:
		return anchor.AddDate(0, 0, -1)
	}
}

// Window returns [from, to) covered by the period starting at anchor.
func Window(kind models.PeriodKind, anchor time.Time) (time.Time, time.Time) {
	switch kind {
	case models.PeriodWeekly:
		return anchor, anchor.AddDate(0, 0, 7)
	case models.PeriodMonthly:
		return anchor, anchor.AddDate(0, 1, 0)
	default:
		return anchor, anchor.AddDate(0, 0, 1)
	}
}
