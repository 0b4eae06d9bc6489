// Package speaker controls the smart speaker that plays announcements. The
// speaker is a Home Assistant media_player entity; Home Assistant does the
// network-level discovery and casting.
package speaker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"azanhome/internal/clock"
	"azanhome/internal/ha"

	"go.uber.org/zap"
)

var (
	// ErrDeviceNotFound is returned when no matching speaker shows up in time
	ErrDeviceNotFound = errors.New("speaker: device not found")

	// ErrDeviceCommand wraps failures of commands sent to a known speaker
	ErrDeviceCommand = errors.New("speaker: device command failed")
)

const (
	mediaPlayerDomain = "media_player"

	// MinVolume and MaxVolume bound the volume scale, in percent
	MinVolume = 0
	MaxVolume = 100

	// DefaultContentType is sent with play_media when none is configured
	DefaultContentType = "audio/mp3"

	discoveryPollInterval = 2 * time.Second
)

// Handle identifies a discovered speaker
type Handle struct {
	EntityID string
	Name     string
}

func (h *Handle) String() string {
	if h.Name == "" {
		return h.EntityID
	}
	return fmt.Sprintf("%s (%s)", h.Name, h.EntityID)
}

// Options selects the speaker and how media is played on it
type Options struct {
	// Name is matched case-insensitively against friendly_name
	Name string
	// EntityID, when set, is matched exactly and takes precedence over Name
	EntityID    string
	ContentType string
	ReadOnly    bool
}

// Controller issues commands to a speaker through Home Assistant
type Controller struct {
	client ha.HAClient
	clock  clock.Clock
	opts   Options
	logger *zap.Logger

	// media last sent to each entity with play_media
	mediaMu sync.Mutex
	media   map[string]string
}

// NewController creates a speaker controller
func NewController(client ha.HAClient, clk clock.Clock, opts Options, logger *zap.Logger) *Controller {
	if opts.ContentType == "" {
		opts.ContentType = DefaultContentType
	}
	return &Controller{
		client: client,
		clock:  clk,
		opts:   opts,
		logger: logger.Named("speaker"),
		media:  make(map[string]string),
	}
}

// Discover looks up the configured speaker, polling until it appears or
// timeout elapses. Unavailable entities do not count as found.
func (c *Controller) Discover(ctx context.Context, timeout time.Duration) (*Handle, error) {
	deadline := c.clock.Now().Add(timeout)

	for {
		handle, err := c.lookup()
		if err == nil {
			c.logger.Info("Speaker discovered", zap.String("entity_id", handle.EntityID), zap.String("name", handle.Name))
			return handle, nil
		}

		remaining := deadline.Sub(c.clock.Now())
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: %s after %s: %w", ErrDeviceNotFound, c.target(), timeout, err)
		}

		wait := discoveryPollInterval
		if remaining < wait {
			wait = remaining
		}

		c.logger.Debug("Speaker not found yet", zap.String("target", c.target()), zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", ErrDeviceNotFound, c.target(), ctx.Err())
		case <-c.clock.After(wait):
		}
	}
}

func (c *Controller) target() string {
	if c.opts.EntityID != "" {
		return c.opts.EntityID
	}
	return fmt.Sprintf("%q", c.opts.Name)
}

func (c *Controller) lookup() (*Handle, error) {
	states, err := c.client.GetAllStates()
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}

	for _, s := range states {
		if s.Domain() != mediaPlayerDomain {
			continue
		}

		var match bool
		if c.opts.EntityID != "" {
			match = s.EntityID == c.opts.EntityID
		} else {
			match = strings.EqualFold(strings.TrimSpace(s.FriendlyName()), strings.TrimSpace(c.opts.Name))
		}
		if !match {
			continue
		}

		if s.State == "unavailable" {
			return nil, fmt.Errorf("%s is unavailable", s.EntityID)
		}
		return &Handle{EntityID: s.EntityID, Name: s.FriendlyName()}, nil
	}

	return nil, fmt.Errorf("no matching media_player")
}

// Volume returns the current volume in percent
func (c *Controller) Volume(ctx context.Context, h *Handle) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDeviceCommand, err)
	}

	state, err := c.client.GetState(h.EntityID)
	if err != nil {
		return 0, fmt.Errorf("%w: read volume of %s: %w", ErrDeviceCommand, h.EntityID, err)
	}
	if state.State == "unavailable" {
		return 0, fmt.Errorf("%w: %s is unavailable", ErrDeviceCommand, h.EntityID)
	}

	level, ok := state.FloatAttribute("volume_level")
	if !ok {
		return 0, fmt.Errorf("%w: %s does not report volume_level (state %s)", ErrDeviceCommand, h.EntityID, state.State)
	}

	return ClampVolume(int(math.Round(level * MaxVolume))), nil
}

// SetVolume sets the volume in percent. level is clamped to MinVolume..MaxVolume.
func (c *Controller) SetVolume(ctx context.Context, h *Handle, level int) error {
	level = ClampVolume(level)
	return c.call(ctx, h, "volume_set", map[string]interface{}{
		"entity_id":    h.EntityID,
		"volume_level": float64(level) / MaxVolume,
	}, zap.Int("volume", level))
}

// Play starts playback of mediaURL
func (c *Controller) Play(ctx context.Context, h *Handle, mediaURL string) error {
	if strings.TrimSpace(mediaURL) == "" {
		return fmt.Errorf("%w: no media URL", ErrDeviceCommand)
	}
	err := c.call(ctx, h, "play_media", map[string]interface{}{
		"entity_id":          h.EntityID,
		"media_content_id":   mediaURL,
		"media_content_type": c.opts.ContentType,
	}, zap.String("media_url", mediaURL))
	if err != nil {
		return err
	}

	c.mediaMu.Lock()
	c.media[h.EntityID] = mediaURL
	c.mediaMu.Unlock()
	return nil
}

func (c *Controller) playedMedia(entityID string) string {
	c.mediaMu.Lock()
	defer c.mediaMu.Unlock()
	return c.media[entityID]
}

// Stop stops playback
func (c *Controller) Stop(ctx context.Context, h *Handle) error {
	return c.call(ctx, h, "media_stop", map[string]interface{}{
		"entity_id": h.EntityID,
	})
}

func (c *Controller) call(ctx context.Context, h *Handle, service string, data map[string]interface{}, fields ...zap.Field) error {
	fields = append(fields, zap.String("entity_id", h.EntityID), zap.String("service", service))

	if c.opts.ReadOnly {
		c.logger.Info("READ-ONLY: Would call media_player service", fields...)
		return nil
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s on %s: %w", ErrDeviceCommand, service, h.EntityID, err)
	}

	if err := c.client.CallService(mediaPlayerDomain, service, data); err != nil {
		return fmt.Errorf("%w: %s on %s: %w", ErrDeviceCommand, service, h.EntityID, err)
	}

	c.logger.Debug("Speaker command sent", fields...)
	return nil
}

// WaitUntilIdle blocks until playback of the media last sent with Play is
// seen running and then stops, or maxWait elapses, or ctx is done. Whatever
// the speaker was playing before does not count. It reports whether playback
// was seen to finish and never fails.
func (c *Controller) WaitUntilIdle(ctx context.Context, h *Handle, maxWait time.Duration) bool {
	if c.opts.ReadOnly {
		return true
	}

	media := c.playedMedia(h.EntityID)

	// The current state may still describe the previous media, so it only
	// counts when it names ours.
	seenPlaying := false
	if state, err := c.client.GetState(h.EntityID); err == nil && isActive(state.State) &&
		media != "" && contentID(state) == media {
		seenPlaying = true
	}

	timeout := c.clock.After(maxWait)
	changes := make(chan *ha.State, 32)

	sub, err := c.client.SubscribeStateChanges(h.EntityID, func(_ string, _, newState *ha.State) {
		if newState == nil {
			return
		}
		select {
		case changes <- newState:
		default:
		}
	})
	if err != nil {
		c.logger.Warn("Cannot watch speaker state, waiting for the full duration",
			zap.String("entity_id", h.EntityID),
			zap.Error(err))
	} else {
		defer sub.Unsubscribe()
	}

	for {
		select {
		case state := <-changes:
			if isActive(state.State) {
				if id := contentID(state); media == "" || id == "" || id == media {
					seenPlaying = true
				}
				continue
			}
			if seenPlaying {
				c.logger.Debug("Playback finished", zap.String("entity_id", h.EntityID), zap.String("state", state.State))
				return true
			}
		case <-timeout:
			c.logger.Info("Playback still running at max duration",
				zap.String("entity_id", h.EntityID),
				zap.Duration("max_wait", maxWait))
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func isActive(state string) bool {
	return state == "playing" || state == "buffering"
}

func contentID(state *ha.State) string {
	id, _ := state.Attributes["media_content_id"].(string)
	return id
}

// ClampVolume limits level to MinVolume..MaxVolume
func ClampVolume(level int) int {
	if level < MinVolume {
		return MinVolume
	}
	if level > MaxVolume {
		return MaxVolume
	}
	return level
}
