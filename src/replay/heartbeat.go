package replay

import (
	"slices"
	"time"

	"market-emulator/src/models"
)

// heartbeatTimes lists the synthetic time points of a day without data: every session
// open and close of each board, then count ticks after the last close. Closed days only
// get the post-trade ticks, counted from midnight.
func heartbeatTimes(boards []models.Board, day time.Time, count int, interval time.Duration) []time.Time {
	var times []time.Time
	for _, b := range boards {
		sessions := b.SessionsOn(day)
		if len(sessions) == 0 {
			base := b.Date(day)
			for k := range count {
				times = append(times, base.Add(time.Duration(k)*interval))
			}
			continue
		}
		for _, s := range sessions {
			times = append(times, s.Open, s.Close)
		}
		last := sessions[len(sessions)-1].Close
		for k := 1; k <= count; k++ {
			times = append(times, last.Add(time.Duration(k)*interval))
		}
	}
	slices.SortFunc(times, func(a, b time.Time) int { return a.Compare(b) })
	return slices.CompactFunc(times, func(a, b time.Time) bool { return a.Equal(b) })
}

// boardCodes returns the distinct boards of the subscriptions in first-seen order.
func boardCodes(subs []subscription, fallback string) []string {
	var codes []string
	for _, s := range subs {
		if !slices.Contains(codes, s.Security.Board) {
			codes = append(codes, s.Security.Board)
		}
	}
	if len(codes) == 0 {
		codes = append(codes, fallback)
	}
	return codes
}
