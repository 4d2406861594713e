// Package solar computes sunrise and sunset for the site.
//
// Times are computed once per local calendar day and cached; trigger
// matching and solar conditions call Times on every tick.
package solar

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nathan-osman/go-sunrise"
)

// ErrNoEvent is returned when the sun does not rise or set on a day
// (polar day or polar night).
var ErrNoEvent = errors.New("solar: no sunrise or sunset on this day")

// ErrUnknownEvent is returned for an event name other than sunrise/sunset.
var ErrUnknownEvent = errors.New("solar: unknown event")

// Event names a solar event.
type Event string

// Supported events.
const (
	Sunrise Event = "sunrise"
	Sunset  Event = "sunset"
)

// Valid reports whether e is a supported event.
func (e Event) Valid() bool {
	return e == Sunrise || e == Sunset
}

// Times holds the solar events of one local calendar day.
type Times struct {
	Date    string // 2006-01-02, local
	Sunrise time.Time
	Sunset  time.Time
}

// Get returns the instant of e.
func (t Times) Get(e Event) (time.Time, error) {
	switch e {
	case Sunrise:
		return t.Sunrise, nil
	case Sunset:
		return t.Sunset, nil
	default:
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnknownEvent, e)
	}
}

// keep bounds the per-day cache; ticks only ever look at today and its
// neighbours.
const keep = 4

// Calculator computes and caches solar times for a fixed location.
type Calculator struct {
	lat, lon float64
	loc      *time.Location

	mu    sync.Mutex
	days  map[string]Times
	order []string
}

// NewCalculator returns a calculator for the given coordinates. Dates are
// interpreted in loc (UTC when nil).
func NewCalculator(latitude, longitude float64, loc *time.Location) *Calculator {
	if loc == nil {
		loc = time.UTC
	}
	return &Calculator{
		lat:  latitude,
		lon:  longitude,
		loc:  loc,
		days: make(map[string]Times),
	}
}

// Location returns the calculator's time zone.
func (c *Calculator) Location() *time.Location { return c.loc }

// Times returns sunrise and sunset for the local calendar day containing
// date. It returns ErrNoEvent on polar days.
func (c *Calculator) Times(date time.Time) (Times, error) {
	local := date.In(c.loc)
	key := local.Format("2006-01-02")

	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.days[key]; ok {
		return t, nil
	}

	rise, set := sunrise.SunriseSunset(c.lat, c.lon, local.Year(), local.Month(), local.Day())
	if rise.IsZero() || set.IsZero() {
		return Times{}, fmt.Errorf("%w: %s", ErrNoEvent, key)
	}

	t := Times{Date: key, Sunrise: rise.In(c.loc), Sunset: set.In(c.loc)}
	c.days[key] = t
	c.order = append(c.order, key)
	if len(c.order) > keep {
		delete(c.days, c.order[0])
		c.order = c.order[1:]
	}
	return t, nil
}

// At returns the instant of e on the local day containing date.
func (c *Calculator) At(e Event, date time.Time) (time.Time, error) {
	t, err := c.Times(date)
	if err != nil {
		return time.Time{}, err
	}
	return t.Get(e)
}

// Next returns the first occurrence of e strictly after after, looking at
// most two days ahead.
func (c *Calculator) Next(e Event, after time.Time) (time.Time, error) {
	if !e.Valid() {
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnknownEvent, e)
	}
	day := after
	for range 3 {
		at, err := c.At(e, day)
		if err == nil && at.After(after) {
			return at, nil
		}
		day = day.AddDate(0, 0, 1)
	}
	return time.Time{}, ErrNoEvent
}

// Warm precomputes today and tomorrow.
func (c *Calculator) Warm(now time.Time) {
	_, _ = c.Times(now)
	_, _ = c.Times(now.AddDate(0, 0, 1))
}
