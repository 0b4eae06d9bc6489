// Package solar sanity-checks fetched prayer times against sunrise and
// sunset computed locally for the configured coordinates. A wrong city or
// country in the lookup shows up here as times that make no sense.
package solar

import (
	"fmt"
	"time"

	"azanhome/internal/prayertimes"

	"github.com/nathan-osman/go-sunrise"
	"go.uber.org/zap"
)

// MaghribTolerance is how far Maghrib may drift from computed sunset
const MaghribTolerance = 15 * time.Minute

// Deviation is one implausible prayer time
type Deviation struct {
	Prayer  prayertimes.Prayer
	Message string
}

func (d Deviation) String() string {
	return fmt.Sprintf("%s: %s", d.Prayer, d.Message)
}

// Calculator computes sun times for a fixed location
type Calculator struct {
	latitude  float64
	longitude float64
	logger    *zap.Logger
}

// NewCalculator creates a calculator for the given coordinates
func NewCalculator(latitude, longitude float64, logger *zap.Logger) *Calculator {
	return &Calculator{
		latitude:  latitude,
		longitude: longitude,
		logger:    logger.Named("solar"),
	}
}

// SunTimes returns sunrise and sunset on date's calendar day, in date's
// location. ok is false during polar day or night.
func (c *Calculator) SunTimes(date time.Time) (rise, set time.Time, ok bool) {
	rise, set = sunrise.SunriseSunset(c.latitude, c.longitude, date.Year(), date.Month(), date.Day())
	if rise.IsZero() || set.IsZero() {
		return time.Time{}, time.Time{}, false
	}
	return rise.In(date.Location()), set.In(date.Location()), true
}

// Check compares a schedule with the sun. It returns ordering problems too.
func (c *Calculator) Check(s *prayertimes.Schedule) []Deviation {
	deviations := CheckOrder(s)

	rise, set, ok := c.SunTimes(s.Date)
	if !ok {
		c.logger.Debug("No sunrise or sunset at this location today, skipping solar check",
			zap.Time("date", s.Date))
		return deviations
	}

	c.logger.Debug("Sun times",
		zap.Time("sunrise", rise),
		zap.Time("sunset", set))

	if fajr := s.At(prayertimes.Fajr); !fajr.Before(rise) {
		deviations = append(deviations, Deviation{
			Prayer:  prayertimes.Fajr,
			Message: fmt.Sprintf("%s is not before sunrise at %s", fajr.Format("15:04"), rise.Format("15:04")),
		})
	}

	if dhuhr := s.At(prayertimes.Dhuhr); dhuhr.Before(rise) || dhuhr.After(set) {
		deviations = append(deviations, Deviation{
			Prayer:  prayertimes.Dhuhr,
			Message: fmt.Sprintf("%s is outside daylight %s-%s", dhuhr.Format("15:04"), rise.Format("15:04"), set.Format("15:04")),
		})
	}

	maghrib := s.At(prayertimes.Maghrib)
	if diff := maghrib.Sub(set); diff > MaghribTolerance || diff < -MaghribTolerance {
		deviations = append(deviations, Deviation{
			Prayer:  prayertimes.Maghrib,
			Message: fmt.Sprintf("%s is %s away from sunset at %s", maghrib.Format("15:04"), diff.Round(time.Minute), set.Format("15:04")),
		})
	}

	return deviations
}

// CheckOrder reports prayers that do not come strictly after the previous one
func CheckOrder(s *prayertimes.Schedule) []Deviation {
	var deviations []Deviation
	for i := 1; i < len(prayertimes.Prayers); i++ {
		prev, cur := prayertimes.Prayers[i-1], prayertimes.Prayers[i]
		if !s.At(cur).After(s.At(prev)) {
			deviations = append(deviations, Deviation{
				Prayer:  cur,
				Message: fmt.Sprintf("%s is not after %s at %s", s.At(cur).Format("15:04"), prev, s.At(prev).Format("15:04")),
			})
		}
	}
	return deviations
}
