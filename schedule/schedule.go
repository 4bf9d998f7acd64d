// Package schedule computes publish slots under the daily quota and the daytime window.
package schedule

import (
	"math/rand/v2"
	"time"

	"dealdrip/pkg/deal"
)

// Publishing window in local time. [00:00, OpenHour) is the blackout; nothing
// is slotted after CloseHour:00.
const (
	OpenHour  = 6
	CloseHour = 23
)

// Jitter is an optional random offset applied to dripfeed wake-ups.
// The zero value disables it.
type Jitter struct {
	Early time.Duration // maximum shift earlier
	Late  time.Duration // maximum shift later
}

// DefaultJitter is the asymmetric spread used when jitter is enabled.
var DefaultJitter = Jitter{Early: 18 * time.Minute, Late: 30 * time.Minute}

// Enabled reports whether j shifts anything.
func (j Jitter) Enabled() bool {
	return j.Early > 0 || j.Late > 0
}

// Scheduler computes slots for one set of settings.
type Scheduler struct {
	loc       *time.Location
	randN     func(int64) int64
	jitter    Jitter
	interval  time.Duration
	maxPerDay int
}

// New creates a scheduler evaluating times in loc.
func New(loc *time.Location, st deal.Settings, jitter Jitter) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		loc:       loc,
		randN:     rand.Int64N,
		jitter:    jitter,
		interval:  st.Interval(),
		maxPerDay: st.MaxPostsPerDay,
	}
}

// Location returns the site timezone.
func (s *Scheduler) Location() *time.Location {
	return s.loc
}

// Interval returns the spacing between consecutive slots.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

func (s *Scheduler) at(day time.Time, hour int) time.Time {
	y, m, d := day.In(s.loc).Date()
	return time.Date(y, m, d, hour, 0, 0, 0, s.loc)
}

// DayStart returns local midnight of t's day.
func (s *Scheduler) DayStart(t time.Time) time.Time {
	return s.at(t, 0)
}

// DayEnd returns local midnight of the following day.
func (s *Scheduler) DayEnd(t time.Time) time.Time {
	y, m, d := t.In(s.loc).Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, s.loc)
}

// InBlackout reports whether t falls in [00:00, 06:00) local time.
func (s *Scheduler) InBlackout(t time.Time) bool {
	return t.In(s.loc).Hour() < OpenHour
}

// NextOpen returns the next window opening: today 06:00 while still in the
// blackout, otherwise 06:00 tomorrow.
func (s *Scheduler) NextOpen(now time.Time) time.Time {
	open := s.at(now, OpenHour)
	if now.Before(open) {
		return open
	}
	y, m, d := now.In(s.loc).Date()
	return time.Date(y, m, d+1, OpenHour, 0, 0, 0, s.loc)
}

// roundUp returns the first multiple of the interval, counted from local
// midnight, that is not before now. Seconds are ignored so a timer firing
// slightly late still lands on its own boundary.
func (s *Scheduler) roundUp(now time.Time) time.Time {
	if s.interval <= 0 {
		return now
	}
	now = now.Truncate(time.Minute)
	midnight := s.DayStart(now)
	elapsed := now.Sub(midnight)
	steps := elapsed / s.interval
	if elapsed%s.interval != 0 {
		steps++
	}
	return midnight.Add(steps * s.interval)
}

// NextSlot returns the publish time for the next item, or false when nothing
// may be scheduled today: the quota is used up, now is in the blackout, or the
// candidate would land after 23:00. scheduledToday holds the slots already
// taken today; postsToday counts today's entries.
func (s *Scheduler) NextSlot(now time.Time, scheduledToday []time.Time, postsToday int) (time.Time, bool) {
	now = now.In(s.loc)

	if postsToday >= s.maxPerDay {
		return time.Time{}, false
	}
	if s.InBlackout(now) {
		return time.Time{}, false
	}

	open := s.at(now, OpenHour)
	if postsToday == 0 && now.Truncate(time.Minute).Equal(open) {
		return open, true
	}

	var last time.Time
	dayStart, dayEnd := s.DayStart(now), s.DayEnd(now)
	for _, t := range scheduledToday {
		if t.Before(dayStart) || !t.Before(dayEnd) {
			continue
		}
		if t.After(last) {
			last = t
		}
	}

	var candidate time.Time
	if last.IsZero() {
		candidate = s.roundUp(now)
	} else {
		// Anchor on the last slot so spacing never shrinks below the interval.
		candidate = last.Add(s.interval)
		if candidate.Before(now) {
			candidate = now
		}
	}

	if candidate.After(s.at(now, CloseHour)) {
		return time.Time{}, false
	}
	return candidate.In(s.loc), true
}

// Jittered shifts a wake-up time by the jitter policy, keeping it inside the
// publishing window of its day and not before earliest.
func (s *Scheduler) Jittered(wake, earliest time.Time) time.Time {
	if !s.jitter.Enabled() {
		return wake
	}
	span := int64(s.jitter.Early + s.jitter.Late)
	offset := time.Duration(s.randN(span+1)) - s.jitter.Early
	shifted := wake.Add(offset)

	if open := s.at(wake, OpenHour); shifted.Before(open) {
		shifted = open
	}
	if closeAt := s.at(wake, CloseHour); shifted.After(closeAt) {
		shifted = closeAt
	}
	if shifted.Before(earliest) {
		shifted = earliest
	}
	return shifted
}

// NextCheck returns the next reconciler anchor strictly after now: the next
// top of the hour, the next 00:00 or 12:00, or the next 06:00.
func (s *Scheduler) NextCheck(now time.Time, interval deal.CheckInterval) time.Time {
	now = now.In(s.loc)
	y, m, d := now.Date()

	switch interval {
	case deal.TwiceDaily:
		for _, hour := range []int{12, 24} {
			t := time.Date(y, m, d, hour, 0, 0, 0, s.loc)
			if t.After(now) {
				return t
			}
		}
		return time.Date(y, m, d+1, 12, 0, 0, 0, s.loc)
	case deal.Daily:
		t := time.Date(y, m, d, OpenHour, 0, 0, 0, s.loc)
		if t.After(now) {
			return t
		}
		return time.Date(y, m, d+1, OpenHour, 0, 0, 0, s.loc)
	default:
		return time.Date(y, m, d, now.Hour()+1, 0, 0, 0, s.loc)
	}
}
