package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/nathan-osman/go-sunrise"
)

// ErrNoSunEvent is returned for a date with no sunrise or no sunset at the
// location (polar day or night).
var ErrNoSunEvent = errors.New("no sunrise or sunset on this date")

// SunTimes holds one day's sunrise and sunset.
type SunTimes struct {
	Sunrise time.Time
	Sunset  time.Time
}

// Location is where the door is.
type Location struct {
	Latitude  float64
	Longitude float64
	TZ        *time.Location
}

// SunCalculator returns sunrise and sunset for a calendar date. It must be a
// pure function of its arguments.
type SunCalculator interface {
	SunTimes(date time.Time, loc Location) (SunTimes, error)
}

// Astronomical computes sun times with the NOAA equations.
type Astronomical struct{}

// SunTimes returns sunrise and sunset for the calendar day of date, in
// loc.TZ.
func (Astronomical) SunTimes(date time.Time, loc Location) (SunTimes, error) {
	tz := loc.TZ
	if tz == nil {
		tz = time.UTC
	}
	y, m, d := date.In(tz).Date()
	rise, set := sunrise.SunriseSunset(loc.Latitude, loc.Longitude, y, m, d)
	if rise.IsZero() || set.IsZero() {
		return SunTimes{}, fmt.Errorf("%04d-%02d-%02d at %.4f,%.4f: %w", y, m, d, loc.Latitude, loc.Longitude, ErrNoSunEvent)
	}
	return SunTimes{Sunrise: rise.In(tz), Sunset: set.In(tz)}, nil
}
