// Package orchestrator turns each day's prayer times into scheduled
// announcements. It owns the daily refresh job, the retry after a failed
// fetch, reminders and the optional daily test announcement.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"azanhome/internal/clock"
	"azanhome/internal/config"
	"azanhome/internal/notify"
	"azanhome/internal/prayertimes"
	"azanhome/internal/scheduler"
	"azanhome/internal/solar"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	// DailyRefreshJob is the name of the recurring refresh job
	DailyRefreshJob = "daily-refresh"

	// TestLabel labels test announcements
	TestLabel = "Test"

	publishTimeout = 5 * time.Second
)

// Fetcher obtains one day's prayer times. *prayertimes.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, date time.Time, q prayertimes.Query) (*prayertimes.Schedule, error)
}

// Announcer plays one announcement. *announce.Announcer implements it.
type Announcer interface {
	Announce(ctx context.Context, label string) error
}

// Settings are the scheduling parameters, fixed at startup
type Settings struct {
	Query    prayertimes.Query
	Location *time.Location

	// Lead is how long before each prayer the announcement starts
	Lead time.Duration
	// ReminderLead is how long before each prayer a reminder is raised. Zero disables reminders.
	ReminderLead time.Duration
	RetryDelay   time.Duration

	RefreshSchedule cron.Schedule

	TestTime    config.ClockTime
	HasTestTime bool

	// Solar enables the sunrise/sunset cross-check when set
	Solar *solar.Calculator
}

// SettingsFromConfig derives Settings from the application configuration
func SettingsFromConfig(cfg *config.Config, logger *zap.Logger) (Settings, error) {
	refresh, err := cfg.RefreshSchedule()
	if err != nil {
		return Settings{}, fmt.Errorf("refresh schedule: %w", err)
	}

	s := Settings{
		Query: prayertimes.Query{
			City:    cfg.Location.City,
			Country: cfg.Location.Country,
			Method:  prayertimes.Method(cfg.Location.Method),
		},
		Location:        cfg.TimeLocation(),
		Lead:            cfg.Schedule.Lead,
		ReminderLead:    cfg.Schedule.ReminderLead,
		RetryDelay:      cfg.PrayerService.RetryDelay,
		RefreshSchedule: refresh,
	}
	s.TestTime, s.HasTestTime = cfg.TestClockTime()

	if cfg.Location.Latitude != nil && cfg.Location.Longitude != nil {
		s.Solar = solar.NewCalculator(*cfg.Location.Latitude, *cfg.Location.Longitude, logger)
	}
	return s, nil
}

// trigger is one planned announcement
type trigger struct {
	prayer prayertimes.Prayer
	at     time.Time
}

// Orchestrator plans each day's announcements into the scheduler
type Orchestrator struct {
	fetcher   Fetcher
	announcer Announcer
	scheduler *scheduler.Scheduler
	notifier  notify.Notifier
	clock     clock.Clock
	settings  Settings
	logger    *zap.Logger

	refreshMu sync.Mutex

	mu          sync.Mutex
	current     *prayertimes.Schedule
	lastRefresh time.Time
	lastErr     error
	retryID     uuid.UUID
	job         *scheduler.Job
}

// New creates an Orchestrator. A nil notifier disables events.
func New(fetcher Fetcher, announcer Announcer, sched *scheduler.Scheduler, notifier notify.Notifier, clk clock.Clock, settings Settings, logger *zap.Logger) *Orchestrator {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if settings.Location == nil {
		settings.Location = time.Local
	}

	return &Orchestrator{
		fetcher:   fetcher,
		announcer: announcer,
		scheduler: sched,
		notifier:  notifier,
		clock:     clk,
		settings:  settings,
		logger:    logger.Named("orchestrator"),
	}
}

// Start registers the daily refresh job and plans today. A failed first
// fetch is retried in the background and does not fail startup.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.job == nil {
		o.job = o.scheduler.Every(DailyRefreshJob, o.settings.RefreshSchedule, scheduler.Task{
			Kind:  scheduler.KindRefresh,
			Label: DailyRefreshJob,
			Run: func(ctx context.Context) {
				_ = o.Refresh(ctx)
			},
		})
	}
	o.mu.Unlock()

	o.logger.Info("Orchestrator started",
		zap.String("city", o.settings.Query.City),
		zap.String("country", o.settings.Query.Country),
		zap.String("method", o.settings.Query.Method.String()),
		zap.Duration("lead", o.settings.Lead),
		zap.Duration("reminder_lead", o.settings.ReminderLead))

	_ = o.Refresh(ctx)
}

// Current returns the schedule in effect, or nil before the first successful fetch
func (o *Orchestrator) Current() *prayertimes.Schedule {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// LastRefresh returns when the last refresh ran and its error, if any
func (o *Orchestrator) LastRefresh() (time.Time, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastRefresh, o.lastErr
}

// TriggerTest enqueues a test announcement due immediately. It runs on the
// next scheduler poll.
func (o *Orchestrator) TriggerTest() uuid.UUID {
	o.logger.Info("Test announcement requested")
	return o.scheduler.ScheduleAt(o.clock.Now(), o.announcementTask(scheduler.KindTest, TestLabel))
}

// Refresh fetches today's prayer times and replaces all pending entries with
// a new plan. When every prayer of today has passed, tomorrow is planned
// instead. On fetch failure the current plan is kept and a retry is scheduled;
// this includes a failure to fetch tomorrow.
func (o *Orchestrator) Refresh(ctx context.Context) error {
	o.refreshMu.Lock()
	defer o.refreshMu.Unlock()

	now := o.clock.Now()
	today := now.In(o.settings.Location)

	schedule, err := o.fetcher.Fetch(ctx, today, o.settings.Query)
	if err != nil {
		return o.fetchFailed(ctx, now, today, err)
	}

	triggers := o.triggers(schedule, now)
	if len(triggers) == 0 {
		tomorrow := today.AddDate(0, 0, 1)
		o.logger.Info("All of today's prayers have passed, planning tomorrow",
			zap.String("date", tomorrow.Format("2006-01-02")))

		next, nextErr := o.fetcher.Fetch(ctx, tomorrow, o.settings.Query)
		if nextErr != nil {
			o.apply(ctx, now, schedule, triggers)
			o.recordRefresh(now, schedule, nextErr)
			return o.fetchFailed(ctx, now, tomorrow, nextErr)
		}
		schedule = next
		triggers = o.triggers(schedule, now)
	}

	o.apply(ctx, now, schedule, triggers)
	o.recordRefresh(now, schedule, nil)
	o.crossCheck(schedule)
	return nil
}

// triggers returns announcement times strictly after now
func (o *Orchestrator) triggers(s *prayertimes.Schedule, now time.Time) []trigger {
	var out []trigger
	for _, p := range prayertimes.Prayers {
		at := s.At(p).Add(-o.settings.Lead)
		if !at.After(now) {
			o.logger.Debug("Skipping prayer already passed",
				zap.String("prayer", p.String()),
				zap.Time("trigger", at))
			continue
		}
		out = append(out, trigger{prayer: p, at: at})
	}
	return out
}

// apply replaces every pending entry with the plan for s
func (o *Orchestrator) apply(ctx context.Context, now time.Time, s *prayertimes.Schedule, triggers []trigger) {
	o.scheduler.Clear()

	o.mu.Lock()
	o.retryID = uuid.Nil
	o.mu.Unlock()

	for _, t := range triggers {
		label := t.prayer.String()
		o.scheduler.ScheduleAt(t.at, o.announcementTask(scheduler.KindAnnouncement, label))
		o.logger.Info("Announcement scheduled",
			zap.String("prayer", label),
			zap.Time("prayer_time", s.At(t.prayer)),
			zap.Time("at", t.at))

		if o.settings.ReminderLead > 0 {
			remindAt := s.At(t.prayer).Add(-o.settings.ReminderLead)
			if remindAt.After(now) {
				o.scheduler.ScheduleAt(remindAt, o.reminderTask(t.prayer, s.At(t.prayer)))
			}
		}
	}

	if o.settings.HasTestTime {
		at := o.settings.TestTime.On(now, o.settings.Location)
		if !at.After(now) {
			at = o.settings.TestTime.On(now.In(o.settings.Location).AddDate(0, 0, 1), o.settings.Location)
		}
		o.scheduler.ScheduleAt(at, o.announcementTask(scheduler.KindTest, TestLabel))
		o.logger.Info("Test announcement scheduled", zap.Time("at", at))
	}

	times := make(map[string]string, len(prayertimes.Prayers))
	for _, p := range prayertimes.Prayers {
		times[p.String()] = s.At(p).Format(time.RFC3339)
	}
	o.publish(ctx, notify.EventScheduleRefreshed, "", map[string]interface{}{
		"date":          s.Date.Format("2006-01-02"),
		"times":         times,
		"announcements": len(triggers),
	})

	o.logger.Info("Schedule refreshed",
		zap.String("date", s.Date.Format("2006-01-02")),
		zap.Int("announcements", len(triggers)))
}

func (o *Orchestrator) fetchFailed(ctx context.Context, now, day time.Time, err error) error {
	retryAt := now.Add(o.settings.RetryDelay)

	o.logger.Error("Failed to fetch prayer times, keeping current plan",
		zap.String("date", day.Format("2006-01-02")),
		zap.Time("retry_at", retryAt),
		zap.Error(err))

	o.mu.Lock()
	previous := o.retryID
	o.mu.Unlock()
	if previous != uuid.Nil {
		o.scheduler.Cancel(previous)
	}

	id := o.scheduler.ScheduleAt(retryAt, scheduler.Task{
		Kind:  scheduler.KindRetry,
		Label: "refresh retry",
		Run: func(ctx context.Context) {
			o.mu.Lock()
			o.retryID = uuid.Nil
			o.mu.Unlock()
			_ = o.Refresh(ctx)
		},
	})

	o.mu.Lock()
	o.retryID = id
	o.lastRefresh = now
	o.lastErr = err
	o.mu.Unlock()

	o.publish(ctx, notify.EventFetchFailed, "", map[string]interface{}{
		"date":     day.Format("2006-01-02"),
		"error":    err.Error(),
		"retry_at": retryAt.Format(time.RFC3339),
	})
	return err
}

func (o *Orchestrator) recordRefresh(now time.Time, s *prayertimes.Schedule, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.current = s
	o.lastRefresh = now
	o.lastErr = err
}

func (o *Orchestrator) crossCheck(s *prayertimes.Schedule) {
	var deviations []solar.Deviation
	if o.settings.Solar != nil {
		deviations = o.settings.Solar.Check(s)
	} else {
		deviations = solar.CheckOrder(s)
	}

	for _, d := range deviations {
		o.logger.Warn("Prayer time looks wrong, check city, country and method",
			zap.String("prayer", d.Prayer.String()),
			zap.String("problem", d.Message))
	}
}

func (o *Orchestrator) announcementTask(kind scheduler.Kind, label string) scheduler.Task {
	return scheduler.Task{
		Kind:  kind,
		Label: label,
		Run: func(ctx context.Context) {
			o.logger.Info("Time for Azan", zap.String("label", label))
			if err := o.announcer.Announce(ctx, label); err != nil {
				o.logger.Error("Announcement failed", zap.String("label", label), zap.Error(err))
			}
		},
	}
}

func (o *Orchestrator) reminderTask(p prayertimes.Prayer, prayerTime time.Time) scheduler.Task {
	label := p.String()
	return scheduler.Task{
		Kind:  scheduler.KindReminder,
		Label: label,
		Run: func(ctx context.Context) {
			o.logger.Info(fmt.Sprintf("Reminder: %s in %s", label, o.settings.ReminderLead),
				zap.Time("prayer_time", prayerTime))
			o.publish(ctx, notify.EventReminder, label, map[string]interface{}{
				"prayer_time": prayerTime.Format(time.RFC3339),
			})
		},
	}
}

func (o *Orchestrator) publish(ctx context.Context, eventType notify.EventType, label string, details map[string]interface{}) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := o.notifier.Publish(pubCtx, notify.NewEvent(eventType, label, o.clock.Now(), details)); err != nil {
		o.logger.Warn("Failed to publish event", zap.String("type", string(eventType)), zap.Error(err))
	}
}
