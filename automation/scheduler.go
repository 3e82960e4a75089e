package automation

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Location is the observer position sun triggers are computed against
// (spec §4.4: sun triggers need a configured latitude/longitude).
type Location struct {
	Latitude  float64
	Longitude float64
}

// scheduler drives TimeTrigger and SunTrigger firing. Time triggers are
// scheduled on a seconds-resolution cron.Cron (robfig/cron/v3, also
// used by the rest of the pack's scheduled-task code); sun triggers
// have no fixed cron spec since sunrise/sunset drift day to day, so
// each gets its own goroutine that recomputes and re-arms a one-shot
// timer daily.
type scheduler struct {
	cron *cron.Cron
	loc  Location

	mu        sync.Mutex
	entries   map[string][]cron.EntryID
	sunCancel map[string][]context.CancelFunc
}

func newScheduler(loc Location) *scheduler {
	return &scheduler{
		cron:      cron.New(cron.WithSeconds()),
		loc:       loc,
		entries:   make(map[string][]cron.EntryID),
		sunCancel: make(map[string][]context.CancelFunc),
	}
}

func (s *scheduler) Start() { s.cron.Start() }

func (s *scheduler) Stop() {
	s.cron.Stop()
	s.mu.Lock()
	for _, cancels := range s.sunCancel {
		for _, c := range cancels {
			c()
		}
	}
	s.sunCancel = make(map[string][]context.CancelFunc)
	s.mu.Unlock()
}

// addTime schedules fire for a daily wall-clock TimeTrigger. A
// TimeTrigger with EntityID set reads a dynamic time from an
// input_datetime entity rather than a fixed spec; that case has no
// meaningful cron expression and is left unscheduled here (the engine
// only wires static TimeTrigger.At into the cron scheduler).
func (s *scheduler) addTime(ruleID string, t TimeTrigger, fire func()) error {
	if t.EntityID != "" {
		return nil
	}
	spec, err := timeTriggerCronSpec(t.At)
	if err != nil {
		return err
	}
	id, err := s.cron.AddFunc(spec, fire)
	if err != nil {
		return fmt.Errorf("automation: schedule time trigger %q: %w", t.At, err)
	}
	s.mu.Lock()
	s.entries[ruleID] = append(s.entries[ruleID], id)
	s.mu.Unlock()
	return nil
}

func timeTriggerCronSpec(at string) (string, error) {
	t, err := time.Parse("15:04:05", at)
	if err != nil {
		return "", fmt.Errorf("automation: invalid time trigger %q: %w", at, err)
	}
	return fmt.Sprintf("%d %d %d * * *", t.Second(), t.Minute(), t.Hour()), nil
}

// addSun arms a self-rescheduling goroutine that fires once per day at
// the computed sunrise/sunset instant (+/- Offset).
func (s *scheduler) addSun(ruleID string, t SunTrigger, fire func()) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.sunCancel[ruleID] = append(s.sunCancel[ruleID], cancel)
	loc := s.loc
	s.mu.Unlock()

	go runSunLoop(ctx, loc, t, fire)
}

func runSunLoop(ctx context.Context, loc Location, t SunTrigger, fire func()) {
	for {
		next, ok := nextSunEvent(loc, time.Now(), t.Event)
		if !ok {
			// Polar day/night: the sun doesn't rise/set today at this
			// latitude. Re-check periodically rather than spinning.
			select {
			case <-time.After(time.Hour):
				continue
			case <-ctx.Done():
				return
			}
		}

		fireAt := next.Add(t.Offset)
		d := time.Until(fireAt)
		if d < 0 {
			continue
		}
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
			fire()
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// nextSunEvent returns the next occurrence (today, or tomorrow if
// today's has already passed) of event at loc.
func nextSunEvent(loc Location, from time.Time, event SunEvent) (time.Time, bool) {
	today, ok := sunEventTime(loc, from, event)
	if ok && today.After(from) {
		return today, true
	}
	return sunEventTime(loc, from.AddDate(0, 0, 1), event)
}

// sunEventTime computes the local sunrise or sunset instant for date
// at loc, using the "Sunrise/Sunset Algorithm" from the Almanac for
// Computers (1990) — standard-accuracy (to the minute), which is all
// a trigger scheduler needs. No third-party solar-position library
// appears anywhere in the retrieved pack (see DESIGN.md), so this is
// implemented directly against math/time.
func sunEventTime(loc Location, date time.Time, event SunEvent) (time.Time, bool) {
	n := float64(date.YearDay())
	lngHour := loc.Longitude / 15

	var approxTime float64
	if event == SunEventSunrise {
		approxTime = n + ((6 - lngHour) / 24)
	} else {
		approxTime = n + ((18 - lngHour) / 24)
	}

	meanAnom := (0.9856 * approxTime) - 3.289

	trueLng := meanAnom +
		(1.916 * sinDeg(meanAnom)) +
		(0.020 * sinDeg(2*meanAnom)) +
		282.634
	trueLng = norm360(trueLng)

	raAsc := atanDeg(0.91764 * tanDeg(trueLng))
	raAsc = norm360(raAsc)

	lQuadrant := math.Floor(trueLng/90) * 90
	raQuadrant := math.Floor(raAsc/90) * 90
	raAsc = raAsc + (lQuadrant - raQuadrant)
	raAsc = raAsc / 15

	sinDec := 0.39782 * sinDeg(trueLng)
	cosDec := math.Cos(math.Asin(sinDec))

	const zenith = 90.833 // accounts for atmospheric refraction + solar disk radius
	cosH := (cosDeg(zenith) - (sinDec * sinDeg(loc.Latitude))) / (cosDec * cosDeg(loc.Latitude))
	if cosH > 1 || cosH < -1 {
		return time.Time{}, false
	}

	var h float64
	if event == SunEventSunrise {
		h = 360 - acosDeg(cosH)
	} else {
		h = acosDeg(cosH)
	}
	h = h / 15

	localMeanTime := h + raAsc - (0.06571 * approxTime) - 6.622
	utcHours := norm24(localMeanTime - lngHour)

	hour := int(utcHours)
	minFloat := (utcHours - float64(hour)) * 60
	minute := int(minFloat)
	second := int((minFloat - float64(minute)) * 60)

	y, m, d := date.Date()
	utc := time.Date(y, m, d, hour, minute, second, 0, time.UTC)
	return utc.In(date.Location()), true
}

func sinDeg(d float64) float64  { return math.Sin(d * math.Pi / 180) }
func cosDeg(d float64) float64  { return math.Cos(d * math.Pi / 180) }
func tanDeg(d float64) float64  { return math.Tan(d * math.Pi / 180) }
func atanDeg(v float64) float64 { return math.Atan(v) * 180 / math.Pi }
func acosDeg(v float64) float64 { return math.Acos(v) * 180 / math.Pi }

func norm360(v float64) float64 {
	for v < 0 {
		v += 360
	}
	for v >= 360 {
		v -= 360
	}
	return v
}

func norm24(v float64) float64 {
	for v < 0 {
		v += 24
	}
	for v >= 24 {
		v -= 24
	}
	return v
}

// removeRule detaches every cron entry and sun goroutine registered
// for ruleID, used when a rule is unloaded or reloaded.
func (s *scheduler) removeRule(ruleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.entries[ruleID] {
		s.cron.Remove(id)
	}
	delete(s.entries, ruleID)

	for _, c := range s.sunCancel[ruleID] {
		c()
	}
	delete(s.sunCancel, ruleID)
}
