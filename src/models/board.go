package models

import (
	"time"
)

// SessionPeriod is a trading session expressed as offsets from local midnight.
type SessionPeriod struct {
	Open  time.Duration `json:"open" yaml:"open"`
	Close time.Duration `json:"close" yaml:"close"`
}

// TimeRange is a session resolved to absolute times on a given date.
type TimeRange struct {
	Open  time.Time
	Close time.Time
}

// Board is a trading venue with its session calendar.
type Board struct {
	Code        string          `json:"code" yaml:"code"`
	Location    string          `json:"location,omitempty" yaml:"location"`
	Sessions    []SessionPeriod `json:"sessions" yaml:"sessions"`
	WeekendDays []time.Weekday  `json:"weekend_days,omitempty" yaml:"weekend_days"`
	Holidays    []time.Time     `json:"holidays,omitempty" yaml:"holidays"`
	WorkingDays []time.Time     `json:"working_days,omitempty" yaml:"working_days"`
}

// DefaultBoard trades 10:00-18:45 UTC on weekdays.
func DefaultBoard(code string) Board {
	return Board{
		Code:        code,
		Sessions:    []SessionPeriod{{Open: 10 * time.Hour, Close: 18*time.Hour + 45*time.Minute}},
		WeekendDays: []time.Weekday{time.Saturday, time.Sunday},
	}
}

func (b Board) Loc() *time.Location {
	if b.Location == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(b.Location)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Date truncates t to local midnight on the board.
func (b Board) Date(t time.Time) time.Time {
	t = t.In(b.Loc())
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func (b Board) IsTradingDay(t time.Time) bool {
	date := b.Date(t)
	for _, d := range b.WorkingDays {
		if sameDay(b.Date(d), date) {
			return true
		}
	}
	for _, d := range b.Holidays {
		if sameDay(b.Date(d), date) {
			return false
		}
	}
	for _, wd := range b.WeekendDays {
		if date.Weekday() == wd {
			return false
		}
	}
	return len(b.Sessions) > 0
}

// SessionsOn returns the sessions of the trading day containing t, empty on non-trading days.
func (b Board) SessionsOn(t time.Time) []TimeRange {
	if !b.IsTradingDay(t) {
		return nil
	}
	date := b.Date(t)
	out := make([]TimeRange, 0, len(b.Sessions))
	for _, s := range b.Sessions {
		out = append(out, TimeRange{Open: date.Add(s.Open), Close: date.Add(s.Close)})
	}
	return out
}

// IsTradingTime reports whether t falls inside one of the board's sessions.
func (b Board) IsTradingTime(t time.Time) bool {
	for _, r := range b.SessionsOn(t) {
		if !t.Before(r.Open) && t.Before(r.Close) {
			return true
		}
	}
	return false
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
