package prayertimes

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrFetch wraps every failure to obtain a schedule: network errors,
	// non-success responses, malformed or incomplete bodies, unknown locations.
	ErrFetch = errors.New("prayertimes: fetch failed")

	// ErrInvalidQuery is returned (wrapped in ErrFetch) when the query is
	// rejected before any request is sent.
	ErrInvalidQuery = errors.New("prayertimes: invalid query")
)

// Prayer identifies one of the five daily prayers
type Prayer int

const (
	Fajr Prayer = iota
	Dhuhr
	Asr
	Maghrib
	Isha
)

// Prayers lists the five prayers in the order they occur during the day
var Prayers = []Prayer{Fajr, Dhuhr, Asr, Maghrib, Isha}

var prayerNames = [...]string{"Fajr", "Dhuhr", "Asr", "Maghrib", "Isha"}

func (p Prayer) String() string {
	if p < Fajr || p > Isha {
		return fmt.Sprintf("Prayer(%d)", int(p))
	}
	return prayerNames[p]
}

// Method is an AlAdhan calculation method identifier
type Method int

var methodNames = map[Method]string{
	0:  "Shia Ithna-Ansari",
	1:  "University of Islamic Sciences, Karachi",
	2:  "Islamic Society of North America",
	3:  "Muslim World League",
	4:  "Umm Al-Qura University, Makkah",
	5:  "Egyptian General Authority of Survey",
	7:  "Institute of Geophysics, University of Tehran",
	8:  "Gulf Region",
	9:  "Kuwait",
	10: "Qatar",
	11: "Majlis Ugama Islam Singapura",
	12: "Union Organization islamic de France",
	13: "Diyanet İşleri Başkanlığı, Turkey",
	14: "Spiritual Administration of Muslims of Russia",
	15: "Moonsighting Committee Worldwide",
	16: "Dubai",
	17: "Jabatan Kemajuan Islam Malaysia",
	18: "Tunisia",
	19: "Algeria",
	20: "Kementerian Agama Republik Indonesia",
	21: "Morocco",
	22: "Comunidade Islamica de Lisboa",
	23: "Ministry of Awqaf, Jordan",
}

// Valid reports whether the service recognises the method
func (m Method) Valid() bool {
	_, ok := methodNames[m]
	return ok
}

func (m Method) String() string {
	if name, ok := methodNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Method(%d)", int(m))
}

// Query holds the location parameters for a lookup
type Query struct {
	City    string
	Country string
	Method  Method
}

// Validate checks that all parameters are usable
func (q Query) Validate() error {
	switch {
	case strings.TrimSpace(q.City) == "":
		return fmt.Errorf("%w: city is required", ErrInvalidQuery)
	case strings.TrimSpace(q.Country) == "":
		return fmt.Errorf("%w: country is required", ErrInvalidQuery)
	case !q.Method.Valid():
		return fmt.Errorf("%w: unknown calculation method %d", ErrInvalidQuery, int(q.Method))
	}
	return nil
}

// Schedule is one day's prayer times for a location. It is never modified
// after Fetch returns it.
type Schedule struct {
	Date            time.Time
	Query           Query
	ServiceTimezone string
	times           [5]time.Time
}

// NewSchedule builds a Schedule from the five prayer times, indexed by Prayer.
func NewSchedule(date time.Time, q Query, times [5]time.Time) *Schedule {
	return &Schedule{Date: date, Query: q, times: times}
}

// At returns the absolute time of prayer p
func (s *Schedule) At(p Prayer) time.Time {
	return s.times[p]
}

// Times returns a copy of all five times in prayer order
func (s *Schedule) Times() [5]time.Time {
	return s.times
}
