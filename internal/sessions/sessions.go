// Package sessions rebuilds work sessions from a person's ordered entry and
// exit events and splits the worked time against a shift window.
package sessions

import (
	"fmt"
	"sort"
	"time"

	"attendsync/internal/model"
)

type Result struct {
	Sessions     []model.Session `json:"sessions"`
	HoursInside  float64         `json:"hours_inside"`
	HoursOutside float64         `json:"hours_outside"`
}

// BuildSessions pairs entries with the following exit. A second entry
// while a session is open is dropped, as is an exit with nothing open.
// A session still open at the end is closed at now when it started on
// now's calendar day in loc, and dropped otherwise.
func BuildSessions(events []model.NormalizedEvent, now time.Time, loc *time.Location) []model.Session {
	if loc == nil {
		loc = time.UTC
	}
	ordered := make([]model.NormalizedEvent, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Timestamp.Before(ordered[j].Timestamp) })

	var (
		out   []model.Session
		start time.Time
		open  bool
	)
	for _, ev := range ordered {
		switch ev.Direction {
		case model.DirectionEntry:
			if !open {
				start, open = ev.Timestamp, true
			}
		case model.DirectionExit:
			if open {
				out = append(out, model.Session{Start: start, End: ev.Timestamp})
				open = false
			}
		}
	}
	if open && sameDay(start, now, loc) && !now.Before(start) {
		out = append(out, model.Session{Start: start, End: now, Open: true})
	}
	return out
}

func sameDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

// SplitHours returns the part of s inside shift and the rest, in hours.
// With no shift everything is outside. A shift crossing midnight is
// measured as two windows split at that midnight.
func SplitHours(s model.Session, shift *model.ShiftWindow) (inside, outside float64) {
	total := s.Duration()
	if total <= 0 {
		return 0, 0
	}
	if shift == nil {
		return 0, total.Hours()
	}
	var in time.Duration
	if shift.CrossesMidnight() {
		sy, sm, sd := shift.Start.Date()
		midnight := time.Date(sy, sm, sd+1, 0, 0, 0, 0, shift.Start.Location())
		in = overlap(s.Start, s.End, shift.Start, midnight) + overlap(s.Start, s.End, midnight, shift.End)
	} else {
		in = overlap(s.Start, s.End, shift.Start, shift.End)
	}
	return in.Hours(), (total - in).Hours()
}

func overlap(aStart, aEnd, bStart, bEnd time.Time) time.Duration {
	start := aStart
	if bStart.After(start) {
		start = bStart
	}
	end := aEnd
	if bEnd.Before(end) {
		end = bEnd
	}
	if d := end.Sub(start); d > 0 {
		return d
	}
	return 0
}

// ComputeSessionsAndHours builds the sessions and sums their split.
func ComputeSessionsAndHours(events []model.NormalizedEvent, shift *model.ShiftWindow, now time.Time, loc *time.Location) Result {
	res := Result{Sessions: BuildSessions(events, now, loc)}
	for _, s := range res.Sessions {
		in, out := SplitHours(s, shift)
		res.HoursInside += in
		res.HoursOutside += out
	}
	return res
}

// ShiftWindowFor resolves the schedule entry for date's weekday in loc.
// An end earlier than the start moves to the next day.
func ShiftWindowFor(date time.Time, schedule model.WeeklySchedule, loc *time.Location) (*model.ShiftWindow, error) {
	if loc == nil {
		loc = time.UTC
	}
	local := date.In(loc)
	times, ok := schedule[local.Weekday()]
	if !ok {
		return nil, nil
	}
	start, err := clockOn(local, times.Start, loc)
	if err != nil {
		return nil, fmt.Errorf("shift start: %w", err)
	}
	end, err := clockOn(local, times.End, loc)
	if err != nil {
		return nil, fmt.Errorf("shift end: %w", err)
	}
	if end.Before(start) {
		end = end.AddDate(0, 0, 1)
	}
	return &model.ShiftWindow{Start: start, End: end}, nil
}

func clockOn(day time.Time, clock string, loc *time.Location) (time.Time, error) {
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return time.Time{}, err
	}
	y, m, d := day.Date()
	return time.Date(y, m, d, t.Hour(), t.Minute(), 0, 0, loc), nil
}
