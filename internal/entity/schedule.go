package entity

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"bhyvebridge/internal/bhyve"
)

// ParseOrbitTime parses an API timestamp such as "2020-01-09T20:29:59.000Z"
// and converts it to loc.
func ParseOrbitTime(s string, loc *time.Location) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	if loc != nil {
		t = t.In(loc)
	}
	return t, true
}

// parseClock parses "HH:MM" start times.
func parseClock(s string) (hour, minute int, ok bool) {
	h, m, found := strings.Cut(strings.TrimSpace(s), ":")
	if !found {
		return 0, 0, false
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, false
	}
	minute, err = strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, false
	}
	return hour, minute, true
}

// RainDelayFinish returns when an active rain delay ends: its start plus the
// delay in hours.
func RainDelayFinish(device *bhyve.Device, loc *time.Location) (time.Time, bool) {
	if device == nil || device.Status == nil || device.Status.RainDelay <= 0 {
		return time.Time{}, false
	}
	started, ok := ParseOrbitTime(device.Status.RainDelayStartedAt, loc)
	if !ok {
		return time.Time{}, false
	}
	return started.Add(time.Duration(device.Status.RainDelay) * time.Hour), true
}

// SmartPlanTimes lists the planned start times of a smart program for one
// zone, in plan order.
func SmartPlanTimes(program *bhyve.Program, station bhyve.Station, loc *time.Location) []time.Time {
	var out []time.Time
	for _, day := range program.WateringPlan {
		if !hasStation(day.RunTimes, station) {
			continue
		}
		date, ok := ParseOrbitTime(day.Date, loc)
		if !ok {
			continue
		}
		for _, start := range day.StartTimes {
			h, m, ok := parseClock(start)
			if !ok {
				continue
			}
			out = append(out, date.Add(time.Duration(h)*time.Hour+time.Duration(m)*time.Minute))
		}
	}
	return out
}

// NextWatering returns the earliest upcoming start of any enabled program that
// waters station. Times at or before now, or before the end of an active rain
// delay (zero when none), are skipped. Manual schedules are evaluated in
// now's location.
func NextWatering(now time.Time, programs []*bhyve.Program, station bhyve.Station, rainDelayEnd time.Time) (time.Time, bool) {
	var candidates []time.Time
	for _, p := range programs {
		if p == nil || !p.Enabled {
			continue
		}
		if p.IsSmartProgram {
			candidates = append(candidates, SmartPlanTimes(p, station, now.Location())...)
			continue
		}
		if !hasStation(p.RunTimes, station) {
			continue
		}
		candidates = append(candidates, manualStarts(p, now, rainDelayEnd)...)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Before(candidates[j]) })
	for _, t := range candidates {
		if !t.After(now) {
			continue
		}
		if !rainDelayEnd.IsZero() && !t.After(rainDelayEnd) {
			continue
		}
		return t, true
	}
	return time.Time{}, false
}

// manualStarts expands the weekly (or odd/even day) schedule of a manual
// program over the days from now until a week past any rain delay.
func manualStarts(p *bhyve.Program, now, rainDelayEnd time.Time) []time.Time {
	if p.Frequency == nil || len(p.StartTimes) == 0 {
		return nil
	}

	days := 8
	if rainDelayEnd.After(now) {
		days += int(math.Ceil(rainDelayEnd.Sub(now).Hours() / 24))
	}

	loc := now.Location()
	y, mo, d := now.Date()
	var out []time.Time
	for i := 0; i < days; i++ {
		date := time.Date(y, mo, d+i, 0, 0, 0, 0, loc)
		if !runsOn(p.Frequency, date) {
			continue
		}
		for _, start := range p.StartTimes {
			h, m, ok := parseClock(start)
			if !ok {
				continue
			}
			out = append(out, time.Date(date.Year(), date.Month(), date.Day(), h, m, 0, 0, loc))
		}
	}
	return out
}

// runsOn evaluates a frequency for a date. Day numbers follow the API, where
// 0 is Sunday, which matches time.Weekday.
func runsOn(f *bhyve.Frequency, date time.Time) bool {
	switch f.Type {
	case "odd":
		return date.Day()%2 == 1
	case "even":
		return date.Day()%2 == 0
	default:
		for _, day := range f.Days {
			if time.Weekday(day) == date.Weekday() {
				return true
			}
		}
		return false
	}
}

func hasStation(runTimes []bhyve.RunTime, station bhyve.Station) bool {
	for _, rt := range runTimes {
		if rt.Station == station {
			return true
		}
	}
	return false
}

func zoneRunTimes(runTimes []bhyve.RunTime, station bhyve.Station) []bhyve.RunTime {
	var out []bhyve.RunTime
	for _, rt := range runTimes {
		if rt.Station == station {
			out = append(out, rt)
		}
	}
	return out
}
