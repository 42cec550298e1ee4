package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"listing-bot/internal/errors"
)

// Cadence is a standard 5-field cron expression (minute hour dom month dow),
// evaluated in UTC.
type Cadence string

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Parse validates the expression.
func (c Cadence) Parse() (cron.Schedule, error) {
	s, err := parser.Parse(string(c))
	if err != nil {
		return nil, errors.WithHint(errors.Wrapf(err, "invalid cadence %q", c),
			"use a 5-field cron expression such as \"0 8 * * *\"")
	}
	return s, nil
}

// EveryMinutes fires every n minutes.
func EveryMinutes(n int) Cadence { return Cadence(fmt.Sprintf("*/%d * * * *", n)) }

// EveryHours fires on the hour every n hours.
func EveryHours(n int) Cadence { return Cadence(fmt.Sprintf("0 */%d * * *", n)) }

// DailyAt fires once a day at hh:mm. A malformed time yields a cadence that
// fails to parse.
func DailyAt(hhmm string) Cadence {
	h, m, ok := clockTime(hhmm)
	if !ok {
		return Cadence("daily at " + hhmm)
	}
	return Cadence(fmt.Sprintf("%d %d * * *", m, h))
}

// WeeklyOn fires once a week on day at hh:mm.
func WeeklyOn(day time.Weekday, hhmm string) Cadence {
	h, m, ok := clockTime(hhmm)
	if !ok {
		return Cadence("weekly at " + hhmm)
	}
	return Cadence(fmt.Sprintf("%d %d * * %d", m, h, int(day)))
}

func clockTime(hhmm string) (int, int, bool) {
	hs, ms, found := strings.Cut(hhmm, ":")
	if !found {
		return 0, 0, false
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h < 0 || h > 23 {
		return 0, 0, false
	}
	m, err := strconv.Atoi(ms)
	if err != nil || m < 0 || m > 59 {
		return 0, 0, false
	}
	return h, m, true
}
