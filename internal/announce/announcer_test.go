package announce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"azanhome/internal/clock"
	"azanhome/internal/ha"
	"azanhome/internal/notify"
	"azanhome/internal/speaker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const azanURL = "https://example.com/azan1.mp3"

// fakeDevice records every call as a short string
type fakeDevice struct {
	mu    sync.Mutex
	calls []string

	volume      int
	discoverErr error
	volumeErr   error
	setErr      map[int]error
	playErr     error
	stopErr     error
	onWait      func(ctx context.Context) bool
	discoveries int
}

func (d *fakeDevice) record(call string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call)
}

func (d *fakeDevice) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *fakeDevice) Discover(ctx context.Context, timeout time.Duration) (*speaker.Handle, error) {
	d.record("discover")
	d.discoveries++
	if d.discoverErr != nil {
		return nil, d.discoverErr
	}
	return &speaker.Handle{EntityID: "media_player.parents_room", Name: "Parents Room speaker"}, nil
}

func (d *fakeDevice) Volume(ctx context.Context, h *speaker.Handle) (int, error) {
	if err := ctx.Err(); err != nil {
		d.record("getVolume→error")
		return 0, fmt.Errorf("%w: volume: %w", speaker.ErrDeviceCommand, err)
	}
	if d.volumeErr != nil {
		d.record("getVolume→error")
		return 0, d.volumeErr
	}
	d.record(fmt.Sprintf("getVolume→%d", d.volume))
	return d.volume, nil
}

func (d *fakeDevice) SetVolume(ctx context.Context, h *speaker.Handle, level int) error {
	d.record(fmt.Sprintf("setVolume(%d)", level))
	if err := d.setErr[level]; err != nil {
		return err
	}
	d.volume = level
	return nil
}

func (d *fakeDevice) Play(ctx context.Context, h *speaker.Handle, mediaURL string) error {
	d.record("play(" + mediaURL + ")")
	return d.playErr
}

func (d *fakeDevice) WaitUntilIdle(ctx context.Context, h *speaker.Handle, maxWait time.Duration) bool {
	d.record(fmt.Sprintf("waitUntilIdle(%s)", maxWait))
	if d.onWait != nil {
		return d.onWait(ctx)
	}
	return true
}

func (d *fakeDevice) Stop(ctx context.Context, h *speaker.Handle) error {
	d.record("stop")
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return d.stopErr
}

// recordingNotifier keeps published events
type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Publish(_ context.Context, e notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return nil
}

func (n *recordingNotifier) Close() error { return nil }

func (n *recordingNotifier) types() []notify.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.EventType
	for _, e := range n.events {
		out = append(out, e.Type)
	}
	return out
}

func defaultSettings() Settings {
	return Settings{
		AnnouncementVolume: 80,
		NormalVolume:       30,
		MediaURL:           azanURL,
		MaxDuration:        3 * time.Minute,
		DiscoveryTimeout:   5 * time.Second,
	}
}

func newAnnouncer(device Device, notifier notify.Notifier) *Announcer {
	clk := clock.NewMockClock(time.Date(2025, 3, 14, 5, 11, 0, 0, time.UTC))
	return New(device, notifier, clk, defaultSettings(), zap.NewNop())
}

func countRestores(calls []string, level int) int {
	n := 0
	for _, c := range calls {
		if c == fmt.Sprintf("setVolume(%d)", level) {
			n++
		}
	}
	return n
}

func TestAnnounce_Sequence(t *testing.T) {
	device := &fakeDevice{volume: 40}
	notifier := &recordingNotifier{}
	a := newAnnouncer(device, notifier)

	require.NoError(t, a.Announce(context.Background(), "Fajr"))

	assert.Equal(t, []string{
		"discover",
		"getVolume→40",
		"setVolume(80)",
		"play(" + azanURL + ")",
		"waitUntilIdle(3m0s)",
		"setVolume(40)",
	}, device.Calls())

	assert.Equal(t, []notify.EventType{
		notify.EventAnnouncementStarted,
		notify.EventAnnouncementFinished,
	}, notifier.types())

	rec, ok := a.LastRecord()
	require.True(t, ok)
	assert.Equal(t, "Fajr", rec.Label)
	assert.Equal(t, 40, rec.PreviousVolume)
	assert.Equal(t, "media_player.parents_room", rec.Speaker)
	assert.True(t, rec.PlaybackFinished)
	assert.False(t, rec.VolumeFallback)
	assert.Empty(t, rec.Error)
}

func TestAnnounce_ReusesHandle(t *testing.T) {
	device := &fakeDevice{volume: 40}
	a := newAnnouncer(device, nil)

	require.NoError(t, a.Announce(context.Background(), "Fajr"))
	require.NoError(t, a.Announce(context.Background(), "Dhuhr"))
	assert.Equal(t, 1, device.discoveries)

	a.SetHandle(&speaker.Handle{EntityID: "media_player.other"})
	require.NoError(t, a.Announce(context.Background(), "Asr"))
	assert.Equal(t, 1, device.discoveries)
}

func TestAnnounce_RestoresExactlyOnce(t *testing.T) {
	lost := fmt.Errorf("%w: connection lost", speaker.ErrDeviceCommand)

	tests := []struct {
		name      string
		configure func(d *fakeDevice)
		wantErr   bool
	}{
		{name: "all steps succeed"},
		{
			name:      "raise fails",
			configure: func(d *fakeDevice) { d.setErr = map[int]error{80: lost} },
			wantErr:   true,
		},
		{
			name:      "play fails",
			configure: func(d *fakeDevice) { d.playErr = lost },
			wantErr:   true,
		},
		{
			name:      "raise and play fail",
			configure: func(d *fakeDevice) { d.setErr = map[int]error{80: lost}; d.playErr = lost },
			wantErr:   true,
		},
		{
			name: "playback times out",
			configure: func(d *fakeDevice) {
				d.onWait = func(context.Context) bool { return false }
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			device := &fakeDevice{volume: 40}
			if tt.configure != nil {
				tt.configure(device)
			}
			a := newAnnouncer(device, nil)

			err := a.Announce(context.Background(), "Dhuhr")
			if tt.wantErr {
				assert.ErrorIs(t, err, speaker.ErrDeviceCommand)
			} else {
				assert.NoError(t, err)
			}

			calls := device.Calls()
			assert.Equal(t, 1, countRestores(calls, 40), "calls: %v", calls)
			assert.Equal(t, "setVolume(40)", calls[len(calls)-1])
		})
	}
}

func TestAnnounce_PlayFailureSkipsWaiting(t *testing.T) {
	device := &fakeDevice{volume: 40, playErr: fmt.Errorf("%w: media rejected", speaker.ErrDeviceCommand)}
	a := newAnnouncer(device, nil)

	err := a.Announce(context.Background(), "Asr")
	require.Error(t, err)

	assert.NotContains(t, device.Calls(), "waitUntilIdle(3m0s)")

	rec, ok := a.LastRecord()
	require.True(t, ok)
	assert.Contains(t, rec.Error, "media rejected")
	assert.False(t, rec.PlaybackFinished)

	// Command failures drop the cached handle
	require.Error(t, a.Announce(context.Background(), "Asr"))
	assert.Equal(t, 2, device.discoveries)
}

func TestAnnounce_VolumeReadFailureFallsBack(t *testing.T) {
	device := &fakeDevice{volumeErr: fmt.Errorf("%w: no volume_level", speaker.ErrDeviceCommand)}
	a := newAnnouncer(device, nil)

	err := a.Announce(context.Background(), "Maghrib")
	require.Error(t, err)
	assert.ErrorIs(t, err, speaker.ErrDeviceCommand)

	assert.Equal(t, []string{
		"discover",
		"getVolume→error",
		"setVolume(80)",
		"play(" + azanURL + ")",
		"waitUntilIdle(3m0s)",
		"setVolume(30)",
	}, device.Calls())

	rec, _ := a.LastRecord()
	assert.True(t, rec.VolumeFallback)
	assert.Equal(t, 30, rec.PreviousVolume)
}

func TestAnnounce_DiscoveryFailureLeavesVolumeAlone(t *testing.T) {
	device := &fakeDevice{volume: 40, discoverErr: fmt.Errorf("%w: gone", speaker.ErrDeviceNotFound)}
	notifier := &recordingNotifier{}
	a := newAnnouncer(device, notifier)

	err := a.Announce(context.Background(), "Isha")
	assert.ErrorIs(t, err, speaker.ErrDeviceNotFound)
	assert.Equal(t, []string{"discover"}, device.Calls())
	assert.Equal(t, []notify.EventType{notify.EventAnnouncementFinished}, notifier.types())

	rec, ok := a.LastRecord()
	require.True(t, ok)
	assert.Equal(t, "Isha", rec.Label)
	assert.NotEmpty(t, rec.Error)
}

func TestAnnounce_CancellationStopsAndRestores(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	device := &fakeDevice{volume: 40}
	device.onWait = func(waitCtx context.Context) bool {
		cancel()
		<-waitCtx.Done()
		return false
	}
	a := newAnnouncer(device, nil)

	require.NoError(t, a.Announce(ctx, "Fajr"))

	calls := device.Calls()
	require.GreaterOrEqual(t, len(calls), 2)
	assert.Equal(t, []string{"stop", "setVolume(40)"}, calls[len(calls)-2:])

	rec, _ := a.LastRecord()
	assert.True(t, rec.Interrupted)
}

func TestAnnounce_CancelledBeforeRaiseLeavesVolumeAlone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	device := &fakeDevice{volume: 40}
	notifier := &recordingNotifier{}
	a := newAnnouncer(device, notifier)

	err := a.Announce(ctx, "Dhuhr")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"discover", "getVolume→error"}, device.Calls())
	assert.Equal(t, 0, countRestores(device.Calls(), 30))

	rec, ok := a.LastRecord()
	require.True(t, ok)
	assert.True(t, rec.Interrupted)
	assert.False(t, rec.VolumeFallback)
	assert.NotEmpty(t, rec.Error)
}

func TestAnnounce_RestoreFailureIsReported(t *testing.T) {
	device := &fakeDevice{volume: 40}
	device.setErr = map[int]error{40: errors.New("speaker went away")}
	a := newAnnouncer(device, nil)

	err := a.Announce(context.Background(), "Fajr")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "restore volume")
	assert.Equal(t, 1, countRestores(device.Calls(), 40))
}

// End to end through the real controller and the Home Assistant mock
func TestAnnounce_WithSpeakerController(t *testing.T) {
	mock := ha.NewMockClient()
	mock.SetState("media_player.parents_room", "idle", map[string]interface{}{
		"friendly_name": "Parents Room speaker",
		"volume_level":  0.4,
	})

	clk := clock.NewMockClock(time.Date(2025, 3, 14, 5, 11, 0, 0, time.UTC))
	controller := speaker.NewController(mock, clk, speaker.Options{Name: "Parents Room speaker"}, zap.NewNop())
	a := New(controller, nil, clk, defaultSettings(), zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- a.Announce(context.Background(), "Fajr") }()

	// Playback ends once the controller is watching the entity
	require.Eventually(t, func() bool {
		return mock.SubscriberCount("media_player.parents_room") == 1
	}, 2*time.Second, 5*time.Millisecond)
	mock.SimulateStateChange("media_player.parents_room", "idle")

	require.NoError(t, <-done)

	var services []string
	var levels []float64
	for _, call := range mock.GetServiceCalls() {
		services = append(services, call.Service)
		if call.Service == "volume_set" {
			levels = append(levels, call.Data["volume_level"].(float64))
		}
	}
	assert.Equal(t, []string{"volume_set", "play_media", "volume_set"}, services)
	require.Len(t, levels, 2)
	assert.InDelta(t, 0.8, levels[0], 1e-9)
	assert.InDelta(t, 0.4, levels[1], 1e-9)

	state, err := mock.GetState("media_player.parents_room")
	require.NoError(t, err)
	assert.InDelta(t, 0.4, state.Attributes["volume_level"], 1e-9)
}
