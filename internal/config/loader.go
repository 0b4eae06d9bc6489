package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when the loaded configuration fails validation.
var ErrInvalidConfig = errors.New("config: invalid")

// Config is the immutable application configuration, built once at startup.
type Config struct {
	Location      LocationConfig      `yaml:"location"`
	PrayerService PrayerServiceConfig `yaml:"prayer_service"`
	Schedule      ScheduleConfig      `yaml:"schedule"`
	Speaker       SpeakerConfig       `yaml:"speaker"`
	HomeAssistant HomeAssistantConfig `yaml:"home_assistant"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	API           APIConfig           `yaml:"api"`
	Logging       LoggingConfig       `yaml:"logging"`
	ReadOnly      bool                `yaml:"read_only"`
}

// LocationConfig selects where prayer times are calculated for.
// Latitude and Longitude are optional and only enable the solar cross-check.
type LocationConfig struct {
	City      string   `yaml:"city"`
	Country   string   `yaml:"country"`
	Method    int      `yaml:"method"`
	Timezone  string   `yaml:"timezone"`
	Latitude  *float64 `yaml:"latitude"`
	Longitude *float64 `yaml:"longitude"`
}

// PrayerServiceConfig configures the AlAdhan client
type PrayerServiceConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// ScheduleConfig controls when announcements fire relative to prayer times
type ScheduleConfig struct {
	Lead         time.Duration `yaml:"lead"`
	ReminderLead time.Duration `yaml:"reminder_lead"`
	RefreshTime  string        `yaml:"refresh_time"`
	PollInterval time.Duration `yaml:"poll_interval"`
	TestTime     string        `yaml:"test_time"`
}

// SpeakerConfig describes the target media player and the announcement itself
type SpeakerConfig struct {
	Name               string        `yaml:"name"`
	EntityID           string        `yaml:"entity_id"`
	DiscoveryTimeout   time.Duration `yaml:"discovery_timeout"`
	AnnouncementVolume int           `yaml:"announcement_volume"`
	NormalVolume       int           `yaml:"normal_volume"`
	MediaURL           string        `yaml:"media_url"`
	ContentType        string        `yaml:"content_type"`
	MaxDuration        time.Duration `yaml:"max_duration"`
}

// HomeAssistantConfig holds the WebSocket endpoint used to reach the speaker
type HomeAssistantConfig struct {
	URL            string        `yaml:"url"`
	Token          string        `yaml:"token"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// MQTTConfig configures the optional event notifier
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// APIConfig configures the optional status HTTP server
type APIConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LoggingConfig configures zap
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// ClockTime is a wall-clock time of day
type ClockTime struct {
	Hour   int
	Minute int
}

// String formats the time as HH:MM
func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// On returns the absolute time at this time of day on the date of day, in loc.
func (c ClockTime) On(day time.Time, loc *time.Location) time.Time {
	y, m, d := day.In(loc).Date()
	return time.Date(y, m, d, c.Hour, c.Minute, 0, 0, loc)
}

// ParseClockTime parses "HH:MM" in 24-hour form
func ParseClockTime(s string) (ClockTime, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return ClockTime{}, fmt.Errorf("invalid time of day %q: expected HH:MM", s)
	}
	return ClockTime{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// Defaults returns a Config populated with the values used when a key is absent.
func Defaults() Config {
	return Config{
		Location: LocationConfig{
			Method: 3,
		},
		PrayerService: PrayerServiceConfig{
			BaseURL:    "https://api.aladhan.com/v1",
			Timeout:    15 * time.Second,
			RetryDelay: 5 * time.Minute,
		},
		Schedule: ScheduleConfig{
			Lead:         time.Minute,
			ReminderLead: 10 * time.Minute,
			RefreshTime:  "00:05",
			PollInterval: time.Second,
		},
		Speaker: SpeakerConfig{
			DiscoveryTimeout:   30 * time.Second,
			AnnouncementVolume: 100,
			NormalVolume:       30,
			MediaURL:           "https://www.islamcan.com/audio/adhan/azan1.mp3",
			ContentType:        "audio/mp3",
			MaxDuration:        3 * time.Minute,
		},
		HomeAssistant: HomeAssistantConfig{
			RequestTimeout: 10 * time.Second,
		},
		MQTT: MQTTConfig{
			ClientID:    "azanhome",
			TopicPrefix: "azanhome",
		},
		API: APIConfig{
			Port: 8081,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Loader reads the YAML configuration file and applies environment overrides
type Loader struct {
	path   string
	logger *zap.Logger
	getenv func(string) string
}

// NewLoader creates a new configuration loader for the file at path
func NewLoader(path string, logger *zap.Logger) *Loader {
	return &Loader{
		path:   path,
		logger: logger,
		getenv: os.Getenv,
	}
}

// Load reads the file (a missing file is allowed when the environment supplies
// everything required), applies environment overrides and validates the result.
func (l *Loader) Load() (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(l.path)
	switch {
	case err == nil:
		l.logger.Info("Loading configuration file", zap.String("path", l.path))
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", l.path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		l.logger.Warn("No configuration file found, using defaults and environment",
			zap.String("path", l.path))
	default:
		return nil, fmt.Errorf("failed to read config file %s: %w", l.path, err)
	}

	if err := l.applyEnv(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l.logger.Info("Configuration loaded",
		zap.String("city", cfg.Location.City),
		zap.String("country", cfg.Location.Country),
		zap.Int("method", cfg.Location.Method),
		zap.Duration("lead", cfg.Schedule.Lead),
		zap.String("refresh_time", cfg.Schedule.RefreshTime),
		zap.Bool("read_only", cfg.ReadOnly))

	return &cfg, nil
}

// applyEnv overrides file values with environment variables, matching the
// HA_URL / HA_TOKEN / READ_ONLY convention used by the service's .env file.
func (l *Loader) applyEnv(cfg *Config) error {
	if v := l.getenv("HA_URL"); v != "" {
		cfg.HomeAssistant.URL = v
	}
	if v := l.getenv("HA_TOKEN"); v != "" {
		cfg.HomeAssistant.Token = v
	}
	if v := l.getenv("READ_ONLY"); v != "" {
		cfg.ReadOnly = v == "true"
	}
	if v := l.getenv("AZAN_CITY"); v != "" {
		cfg.Location.City = v
	}
	if v := l.getenv("AZAN_COUNTRY"); v != "" {
		cfg.Location.Country = v
	}
	if v := l.getenv("AZAN_METHOD"); v != "" {
		method, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: AZAN_METHOD must be an integer, got %q", ErrInvalidConfig, v)
		}
		cfg.Location.Method = method
	}
	if v := l.getenv("MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	return nil
}

// Validate checks required keys and value ranges
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Location.City) == "" {
		problems = append(problems, "location.city is required")
	}
	if strings.TrimSpace(c.Location.Country) == "" {
		problems = append(problems, "location.country is required")
	}
	if c.Location.Timezone != "" {
		if _, err := time.LoadLocation(c.Location.Timezone); err != nil {
			problems = append(problems, fmt.Sprintf("location.timezone %q is not a known zone", c.Location.Timezone))
		}
	}
	if (c.Location.Latitude == nil) != (c.Location.Longitude == nil) {
		problems = append(problems, "location.latitude and location.longitude must be set together")
	}
	if c.HomeAssistant.URL == "" || c.HomeAssistant.Token == "" {
		problems = append(problems, "HA_URL and HA_TOKEN must be set")
	}
	if c.Speaker.Name == "" && c.Speaker.EntityID == "" {
		problems = append(problems, "speaker.name or speaker.entity_id is required")
	}
	if c.Speaker.MediaURL == "" {
		problems = append(problems, "speaker.media_url is required")
	}
	if c.Speaker.AnnouncementVolume < 0 || c.Speaker.AnnouncementVolume > 100 {
		problems = append(problems, "speaker.announcement_volume must be within 0..100")
	}
	if c.Speaker.NormalVolume < 0 || c.Speaker.NormalVolume > 100 {
		problems = append(problems, "speaker.normal_volume must be within 0..100")
	}
	if c.Speaker.MaxDuration <= 0 {
		problems = append(problems, "speaker.max_duration must be positive")
	}
	if c.Schedule.Lead < 0 {
		problems = append(problems, "schedule.lead must not be negative")
	}
	if c.Schedule.ReminderLead < 0 {
		problems = append(problems, "schedule.reminder_lead must not be negative")
	}
	if c.Schedule.PollInterval <= 0 {
		problems = append(problems, "schedule.poll_interval must be positive")
	}
	if c.PrayerService.RetryDelay <= 0 {
		problems = append(problems, "prayer_service.retry_delay must be positive")
	}
	if _, err := ParseClockTime(c.Schedule.RefreshTime); err != nil {
		problems = append(problems, "schedule.refresh_time: "+err.Error())
	}
	if c.Schedule.TestTime != "" {
		if _, err := ParseClockTime(c.Schedule.TestTime); err != nil {
			problems = append(problems, "schedule.test_time: "+err.Error())
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		problems = append(problems, "mqtt.broker is required when mqtt is enabled")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// TimeLocation returns the configured timezone, or time.Local when unset.
func (c *Config) TimeLocation() *time.Location {
	if c.Location.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Location.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// RefreshSchedule returns the daily refresh as a cron schedule in the
// configured timezone.
func (c *Config) RefreshSchedule() (cron.Schedule, error) {
	at, err := ParseClockTime(c.Schedule.RefreshTime)
	if err != nil {
		return nil, err
	}

	spec := fmt.Sprintf("%d %d * * *", at.Minute, at.Hour)
	if c.Location.Timezone != "" {
		spec = "CRON_TZ=" + c.Location.Timezone + " " + spec
	}
	return cron.ParseStandard(spec)
}

// TestClockTime returns the optional daily test announcement time.
func (c *Config) TestClockTime() (ClockTime, bool) {
	if c.Schedule.TestTime == "" {
		return ClockTime{}, false
	}
	t, err := ParseClockTime(c.Schedule.TestTime)
	if err != nil {
		return ClockTime{}, false
	}
	return t, true
}
