// Package calendar implements the business-day service: weekends are
// always closed, plus a configurable holiday list per calendar.
package calendar

import (
	"time"

	"github.com/quantfolio/quantfolio-backend/internal/domain"
)

// WeekdayCalendar treats Monday through Friday as business days minus
// an explicit holiday list.
type WeekdayCalendar struct {
	holidays map[time.Time]struct{}
}

// New creates a calendar with the given holidays.
func New(holidays ...time.Time) *WeekdayCalendar {
	set := make(map[time.Time]struct{}, len(holidays))
	for _, h := range holidays {
		set[domain.Day(h)] = struct{}{}
	}
	return &WeekdayCalendar{holidays: set}
}

func (c *WeekdayCalendar) IsBusinessDay(date time.Time) bool {
	day := domain.Day(date)
	switch day.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	_, holiday := c.holidays[day]
	return !holiday
}

func (c *WeekdayCalendar) NextBusinessDay(date time.Time) time.Time {
	day := domain.Day(date).AddDate(0, 0, 1)
	for !c.IsBusinessDay(day) {
		day = day.AddDate(0, 0, 1)
	}
	return day
}

func (c *WeekdayCalendar) ClosestBusinessDay(date time.Time, direction domain.Direction) time.Time {
	step := int(direction)
	if step == 0 {
		step = 1
	}
	day := domain.Day(date)
	for !c.IsBusinessDay(day) {
		day = day.AddDate(0, 0, step)
	}
	return day
}
