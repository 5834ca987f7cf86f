// Package cron provides cron-expression math for recurring reminders
// (relay.RecurringSchedule). The periodic tick/fire loop itself lives in
// internal/relay.WorkerLoop, which runs the recurring sweep in the same
// cycle as the one-shot ScheduledMessage sweep instead of a second,
// independently-ticking scheduler.
package cron

import (
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// NextRunTime parses the cron expression and returns the next run time
// after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
