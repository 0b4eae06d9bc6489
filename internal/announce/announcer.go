// Package announce plays the Azan on the speaker with the volume temporarily
// raised, and guarantees the previous volume is put back afterwards.
package announce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"azanhome/internal/clock"
	"azanhome/internal/notify"
	"azanhome/internal/speaker"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultRestoreTimeout bounds the cleanup commands run after cancellation
const DefaultRestoreTimeout = 10 * time.Second

// Device is the speaker control surface an announcement needs.
// *speaker.Controller implements it.
type Device interface {
	Discover(ctx context.Context, timeout time.Duration) (*speaker.Handle, error)
	Volume(ctx context.Context, h *speaker.Handle) (int, error)
	SetVolume(ctx context.Context, h *speaker.Handle, level int) error
	Play(ctx context.Context, h *speaker.Handle, mediaURL string) error
	WaitUntilIdle(ctx context.Context, h *speaker.Handle, maxWait time.Duration) bool
	Stop(ctx context.Context, h *speaker.Handle) error
}

// Settings are fixed for the lifetime of the Announcer
type Settings struct {
	AnnouncementVolume int
	// NormalVolume is restored when the previous volume cannot be read
	NormalVolume     int
	MediaURL         string
	MaxDuration      time.Duration
	DiscoveryTimeout time.Duration
	RestoreTimeout   time.Duration
}

// Record describes one announcement attempt
type Record struct {
	ID               uuid.UUID `json:"id"`
	Label            string    `json:"label"`
	Speaker          string    `json:"speaker,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
	PreviousVolume   int       `json:"previous_volume"`
	VolumeFallback   bool      `json:"volume_fallback"`
	PlaybackFinished bool      `json:"playback_finished"`
	Interrupted      bool      `json:"interrupted"`
	Error            string    `json:"error,omitempty"`
}

// Announcer runs announcements one at a time
type Announcer struct {
	device   Device
	notifier notify.Notifier
	clock    clock.Clock
	settings Settings
	logger   *zap.Logger

	runMu sync.Mutex

	mu     sync.Mutex
	handle *speaker.Handle
	last   *Record
}

// New creates an Announcer. A nil notifier disables events.
func New(device Device, notifier notify.Notifier, clk clock.Clock, settings Settings, logger *zap.Logger) *Announcer {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if settings.RestoreTimeout <= 0 {
		settings.RestoreTimeout = DefaultRestoreTimeout
	}
	settings.AnnouncementVolume = speaker.ClampVolume(settings.AnnouncementVolume)
	settings.NormalVolume = speaker.ClampVolume(settings.NormalVolume)

	return &Announcer{
		device:   device,
		notifier: notifier,
		clock:    clk,
		settings: settings,
		logger:   logger.Named("announce"),
	}
}

// SetHandle seeds the cached speaker handle, e.g. from discovery at startup
func (a *Announcer) SetHandle(h *speaker.Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handle = h
}

// LastRecord returns the most recent announcement attempt
func (a *Announcer) LastRecord() (Record, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last == nil {
		return Record{}, false
	}
	return *a.last, true
}

func (a *Announcer) resolve(ctx context.Context) (*speaker.Handle, error) {
	a.mu.Lock()
	h := a.handle
	a.mu.Unlock()
	if h != nil {
		return h, nil
	}

	h, err := a.device.Discover(ctx, a.settings.DiscoveryTimeout)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.handle = h
	a.mu.Unlock()
	return h, nil
}

func (a *Announcer) forgetHandle() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handle = nil
}

// Announce raises the volume, plays the Azan, waits for it to finish and
// restores the previous volume. The restore runs exactly once whatever
// happens after the volume was read, including cancellation of ctx, in which
// case playback is stopped first. A cancellation that makes the volume read
// fail leaves the speaker untouched. Step failures are combined in the result.
func (a *Announcer) Announce(ctx context.Context, label string) (err error) {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	rec := &Record{
		ID:        uuid.New(),
		Label:     label,
		StartedAt: a.clock.Now(),
	}
	logger := a.logger.With(zap.String("label", label), zap.String("announcement_id", rec.ID.String()))
	logger.Info("Starting announcement")

	h, err := a.resolve(ctx)
	if err != nil {
		logger.Error("Aborting announcement: speaker not found", zap.Error(err))
		a.finish(ctx, rec, err)
		return err
	}
	rec.Speaker = h.EntityID
	logger = logger.With(zap.String("speaker", h.EntityID))

	a.publish(ctx, notify.EventAnnouncementStarted, label, map[string]interface{}{
		"speaker": h.EntityID,
		"volume":  a.settings.AnnouncementVolume,
	})

	var errs error

	previous, volErr := a.device.Volume(ctx, h)
	if volErr != nil && ctx.Err() != nil {
		// Nothing has been changed on the speaker, so there is nothing to restore
		rec.Interrupted = true
		logger.Warn("Announcement interrupted before the volume was raised", zap.Error(volErr))
		a.finish(ctx, rec, volErr)
		return volErr
	}
	if volErr != nil {
		previous = a.settings.NormalVolume
		rec.VolumeFallback = true
		errs = multierr.Append(errs, volErr)
		logger.Warn("Could not read current volume, will restore the normal volume",
			zap.Int("normal_volume", previous),
			zap.Error(volErr))
	} else {
		logger.Info("Current volume", zap.Int("volume", previous))
	}
	rec.PreviousVolume = previous

	defer func() {
		errs = multierr.Append(errs, a.restore(ctx, h, previous, rec, logger))
		if errors.Is(errs, speaker.ErrDeviceCommand) {
			// Rediscover next time; the entity may have changed or gone
			a.forgetHandle()
		}
		err = errs
		a.finish(ctx, rec, err)
	}()

	if setErr := a.device.SetVolume(ctx, h, a.settings.AnnouncementVolume); setErr != nil {
		errs = multierr.Append(errs, setErr)
		logger.Warn("Failed to raise volume, playing anyway", zap.Error(setErr))
	} else {
		logger.Info("Volume raised", zap.Int("volume", a.settings.AnnouncementVolume))
	}

	if playErr := a.device.Play(ctx, h, a.settings.MediaURL); playErr != nil {
		errs = multierr.Append(errs, playErr)
		logger.Error("Failed to start Azan playback", zap.Error(playErr))
		return
	}
	logger.Info("Azan playing", zap.String("media_url", a.settings.MediaURL))

	rec.PlaybackFinished = a.device.WaitUntilIdle(ctx, h, a.settings.MaxDuration)
	return
}

// restore stops playback if the announcement was interrupted and puts the
// volume back. It uses a context detached from ctx so cancellation cannot
// skip it.
func (a *Announcer) restore(ctx context.Context, h *speaker.Handle, previous int, rec *Record, logger *zap.Logger) error {
	restoreCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.settings.RestoreTimeout)
	defer cancel()

	var errs error

	if ctx.Err() != nil {
		rec.Interrupted = true
		logger.Warn("Announcement interrupted, stopping playback")
		if err := a.device.Stop(restoreCtx, h); err != nil {
			errs = multierr.Append(errs, err)
			logger.Error("Failed to stop playback", zap.Error(err))
		}
	}

	if err := a.device.SetVolume(restoreCtx, h, previous); err != nil {
		logger.Error("Failed to restore volume", zap.Int("volume", previous), zap.Error(err))
		return multierr.Append(errs, fmt.Errorf("restore volume: %w", err))
	}

	logger.Info("Volume restored", zap.Int("volume", previous))
	return errs
}

func (a *Announcer) finish(ctx context.Context, rec *Record, err error) {
	rec.FinishedAt = a.clock.Now()
	if err != nil {
		rec.Error = err.Error()
	}

	a.mu.Lock()
	saved := *rec
	a.last = &saved
	a.mu.Unlock()

	details := map[string]interface{}{
		"previous_volume":   rec.PreviousVolume,
		"playback_finished": rec.PlaybackFinished,
		"interrupted":       rec.Interrupted,
		"duration_seconds":  rec.FinishedAt.Sub(rec.StartedAt).Seconds(),
	}
	if rec.Speaker != "" {
		details["speaker"] = rec.Speaker
	}
	if rec.Error != "" {
		details["error"] = rec.Error
	}
	a.publish(ctx, notify.EventAnnouncementFinished, rec.Label, details)

	if err != nil {
		a.logger.Warn("Announcement finished with errors", zap.String("label", rec.Label), zap.Error(err))
		return
	}
	a.logger.Info("Announcement finished", zap.String("label", rec.Label), zap.Bool("playback_finished", rec.PlaybackFinished))
}

func (a *Announcer) publish(ctx context.Context, eventType notify.EventType, label string, details map[string]interface{}) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.settings.RestoreTimeout)
	defer cancel()

	if err := a.notifier.Publish(pubCtx, notify.NewEvent(eventType, label, a.clock.Now(), details)); err != nil {
		a.logger.Warn("Failed to publish event", zap.String("type", string(eventType)), zap.Error(err))
	}
}
