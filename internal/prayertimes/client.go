// Package prayertimes fetches daily prayer times from the AlAdhan API.
package prayertimes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultBaseURL is the public AlAdhan v1 endpoint
	DefaultBaseURL = "https://api.aladhan.com/v1"

	// maxBodySize bounds how much of a response is read
	maxBodySize = 1 << 20

	userAgent = "azanhome/1.0"
)

// Client fetches prayer schedules over HTTP
type Client struct {
	baseURL    string
	httpClient *http.Client
	location   *time.Location
	logger     *zap.Logger
}

// NewClient creates a client. Returned times are converted to loc.
func NewClient(baseURL string, timeout time.Duration, loc *time.Location, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if loc == nil {
		loc = time.Local
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		location:   loc,
		logger:     logger.Named("prayertimes"),
	}
}

// timingsResponse mirrors the parts of the timingsByCity response we read.
// Data is raw because error responses carry a plain string there.
type timingsResponse struct {
	Code   int             `json:"code"`
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

type timingsData struct {
	Timings map[string]string `json:"timings"`
	Meta    struct {
		Timezone string `json:"timezone"`
	} `json:"meta"`
}

// Fetch returns the schedule for the calendar date of date (in the client's
// location). Every failure wraps ErrFetch.
func (c *Client) Fetch(ctx context.Context, date time.Time, q Query) (*Schedule, error) {
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}

	day := date.In(c.location)
	endpoint := c.requestURL(day, q)

	c.logger.Info("Fetching prayer times",
		zap.String("date", day.Format("02-01-2006")),
		zap.String("city", q.City),
		zap.String("country", q.Country),
		zap.Int("method", int(q.Method)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %w", ErrFetch, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: request failed: %w", ErrFetch, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %w", ErrFetch, err)
	}

	var envelope timingsResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%w: service returned status %s", ErrFetch, resp.Status)
		}
		return nil, fmt.Errorf("%w: malformed response: %w", ErrFetch, err)
	}

	if resp.StatusCode != http.StatusOK || envelope.Code != http.StatusOK {
		// AlAdhan puts the reason (e.g. an unknown city) in data as a string
		var reason string
		_ = json.Unmarshal(envelope.Data, &reason)
		return nil, fmt.Errorf("%w: service returned status %d %s: %s",
			ErrFetch, resp.StatusCode, envelope.Status, reason)
	}

	var data timingsData
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: malformed data: %w", ErrFetch, err)
	}

	schedule, err := c.buildSchedule(day, q, data)
	if err != nil {
		return nil, err
	}

	c.logger.Info("Prayer times fetched",
		zap.String("date", day.Format("02-01-2006")),
		zap.Time("fajr", schedule.At(Fajr)),
		zap.Time("dhuhr", schedule.At(Dhuhr)),
		zap.Time("asr", schedule.At(Asr)),
		zap.Time("maghrib", schedule.At(Maghrib)),
		zap.Time("isha", schedule.At(Isha)))

	return schedule, nil
}

func (c *Client) requestURL(day time.Time, q Query) string {
	params := url.Values{}
	params.Set("city", q.City)
	params.Set("country", q.Country)
	params.Set("method", fmt.Sprintf("%d", int(q.Method)))

	return fmt.Sprintf("%s/timingsByCity/%s?%s", c.baseURL, day.Format("02-01-2006"), params.Encode())
}

// buildSchedule anchors each HH:MM to the date in the service's timezone and
// converts it to the client's location.
func (c *Client) buildSchedule(day time.Time, q Query, data timingsData) (*Schedule, error) {
	if len(data.Timings) == 0 {
		return nil, fmt.Errorf("%w: response has no timings", ErrFetch)
	}

	serviceLoc := c.location
	if data.Meta.Timezone != "" {
		loc, err := time.LoadLocation(data.Meta.Timezone)
		if err != nil {
			c.logger.Warn("Unknown service timezone, using local timezone",
				zap.String("timezone", data.Meta.Timezone),
				zap.Error(err))
		} else {
			serviceLoc = loc
		}
	}

	year, month, dom := day.Date()

	var times [5]time.Time
	for _, p := range Prayers {
		raw, ok := data.Timings[p.String()]
		if !ok {
			return nil, fmt.Errorf("%w: response is missing %s", ErrFetch, p)
		}
		hour, minute, err := ParseTimeOfDay(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrFetch, p, err)
		}
		times[p] = time.Date(year, month, dom, hour, minute, 0, 0, serviceLoc).In(c.location)
	}

	s := NewSchedule(time.Date(year, month, dom, 0, 0, 0, 0, c.location), q, times)
	s.ServiceTimezone = data.Meta.Timezone
	return s, nil
}

// ParseTimeOfDay parses an AlAdhan time string. The service sometimes appends
// the zone abbreviation, e.g. "20:30 (CEST)", which is ignored.
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	base := strings.TrimSpace(s)
	if i := strings.IndexByte(base, '('); i >= 0 {
		base = strings.TrimSpace(base[:i])
	}

	t, err := time.Parse("15:04", base)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time %q: expected HH:MM", s)
	}
	return t.Hour(), t.Minute(), nil
}
