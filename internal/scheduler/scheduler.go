// Package scheduler holds time-triggered work: one-shot entries that fire once
// at an absolute time, and recurring jobs driven by a cron schedule. Work is
// dispatched synchronously by RunPending, normally from the Run loop.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"azanhome/internal/clock"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Kind classifies scheduled work for logs and the status API
type Kind string

const (
	KindAnnouncement Kind = "announcement"
	KindReminder     Kind = "reminder"
	KindTest         Kind = "test"
	KindRetry        Kind = "retry"
	KindRefresh      Kind = "refresh"
)

// Task is the work attached to an entry or job
type Task struct {
	Kind  Kind
	Label string
	Run   func(ctx context.Context)
}

// EntryInfo describes a pending entry or the next run of a recurring job
type EntryInfo struct {
	ID        uuid.UUID `json:"id"`
	At        time.Time `json:"at"`
	Kind      Kind      `json:"kind"`
	Label     string    `json:"label"`
	Recurring bool      `json:"recurring"`
}

type entry struct {
	id   uuid.UUID
	at   time.Time
	seq  uint64
	task Task
}

// Job is a recurring task registered with Every
type Job struct {
	id       uuid.UUID
	name     string
	schedule cron.Schedule
	task     Task
	next     time.Time
	seq      uint64
	stopped  bool
	s        *Scheduler
}

// Name returns the job name
func (j *Job) Name() string {
	return j.name
}

// Next returns when the job fires next. Zero once stopped.
func (j *Job) Next() time.Time {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	if j.stopped {
		return time.Time{}
	}
	return j.next
}

// Stop removes the job from the scheduler
func (j *Job) Stop() {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()

	if j.stopped {
		return
	}
	j.stopped = true
	for i, other := range j.s.jobs {
		if other == j {
			j.s.jobs = append(j.s.jobs[:i], j.s.jobs[i+1:]...)
			break
		}
	}
	j.s.logger.Info("Recurring job stopped", zap.String("job", j.name))
}

// Scheduler is safe for concurrent use. Tasks always run outside its lock, so
// a task may schedule or cancel other work.
type Scheduler struct {
	mu      sync.Mutex
	clock   clock.Clock
	logger  *zap.Logger
	entries []*entry
	jobs    []*Job
	seq     uint64
}

// New creates an empty scheduler
func New(clk clock.Clock, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		clock:  clk,
		logger: logger.Named("scheduler"),
	}
}

func (s *Scheduler) nextSeqLocked() uint64 {
	s.seq++
	return s.seq
}

// ScheduleAt adds a one-shot entry. Entries at the same instant are all kept
// and fire in the order they were added.
func (s *Scheduler) ScheduleAt(at time.Time, task Task) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &entry{
		id:   uuid.New(),
		at:   at,
		seq:  s.nextSeqLocked(),
		task: task,
	}
	s.entries = append(s.entries, e)

	s.logger.Debug("Entry scheduled",
		zap.String("id", e.id.String()),
		zap.String("kind", string(task.Kind)),
		zap.String("label", task.Label),
		zap.Time("at", at))

	return e.id
}

// Cancel removes a pending entry. It reports whether the entry was pending.
func (s *Scheduler) Cancel(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.entries {
		if e.id == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Clear removes every pending one-shot entry and returns how many were
// removed. Recurring jobs are not affected.
func (s *Scheduler) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.entries)
	s.entries = nil
	if n > 0 {
		s.logger.Debug("Cleared pending entries", zap.Int("count", n))
	}
	return n
}

// Every registers a recurring job, first armed at schedule.Next(now)
func (s *Scheduler) Every(name string, schedule cron.Schedule, task Task) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	j := &Job{
		id:       uuid.New(),
		name:     name,
		schedule: schedule,
		task:     task,
		s:        s,
	}
	j.next = schedule.Next(s.clock.Now())
	j.seq = s.nextSeqLocked()
	s.jobs = append(s.jobs, j)

	s.logger.Info("Recurring job registered",
		zap.String("job", name),
		zap.Time("next", j.next))

	return j
}

type dispatch struct {
	at   time.Time
	seq  uint64
	id   uuid.UUID
	task Task
	job  string
}

// RunPending runs every entry and job due at the current time, in ascending
// trigger order, and returns how many ran. Due entries are removed and due
// jobs re-armed before anything runs, so work added by a task is not run in
// the same call and a second call dispatches nothing new.
func (s *Scheduler) RunPending(ctx context.Context) int {
	due := s.collectDue()
	if len(due) == 0 {
		return 0
	}

	ran := 0
	for i, d := range due {
		if ctx.Err() != nil {
			s.logger.Warn("Shutting down, dropping due work", zap.Int("dropped", len(due)-i))
			break
		}
		s.run(ctx, d)
		ran++
	}
	return ran
}

func (s *Scheduler) collectDue() []dispatch {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var due []dispatch

	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.at.After(now) {
			kept = append(kept, e)
			continue
		}
		due = append(due, dispatch{at: e.at, seq: e.seq, id: e.id, task: e.task})
	}
	// Drop references held past the new length
	for i := len(kept); i < len(s.entries); i++ {
		s.entries[i] = nil
	}
	s.entries = kept

	for _, j := range s.jobs {
		if j.next.After(now) {
			continue
		}
		due = append(due, dispatch{at: j.next, seq: j.seq, id: j.id, task: j.task, job: j.name})
		j.next = j.schedule.Next(now)
		j.seq = s.nextSeqLocked()
	}

	sort.SliceStable(due, func(a, b int) bool {
		if due[a].at.Equal(due[b].at) {
			return due[a].seq < due[b].seq
		}
		return due[a].at.Before(due[b].at)
	})
	return due
}

func (s *Scheduler) run(ctx context.Context, d dispatch) {
	fields := []zap.Field{
		zap.String("kind", string(d.task.Kind)),
		zap.String("label", d.task.Label),
		zap.Time("trigger", d.at),
	}
	if d.job != "" {
		fields = append(fields, zap.String("job", d.job))
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Scheduled task panicked",
				append(fields, zap.Any("panic", r), zap.Stack("stack"))...)
		}
	}()

	s.logger.Debug("Dispatching", fields...)
	if d.task.Run != nil {
		d.task.Run(ctx)
	}
}

// Pending returns the pending entries and the next run of every recurring job,
// ordered by trigger time.
func (s *Scheduler) Pending() []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	type ordered struct {
		info EntryInfo
		seq  uint64
	}
	items := make([]ordered, 0, len(s.entries)+len(s.jobs))
	for _, e := range s.entries {
		items = append(items, ordered{
			info: EntryInfo{ID: e.id, At: e.at, Kind: e.task.Kind, Label: e.task.Label},
			seq:  e.seq,
		})
	}
	for _, j := range s.jobs {
		items = append(items, ordered{
			info: EntryInfo{ID: j.id, At: j.next, Kind: j.task.Kind, Label: j.task.Label, Recurring: true},
			seq:  j.seq,
		})
	}

	sort.SliceStable(items, func(a, b int) bool {
		if items[a].info.At.Equal(items[b].info.At) {
			return items[a].seq < items[b].seq
		}
		return items[a].info.At.Before(items[b].info.At)
	})

	out := make([]EntryInfo, len(items))
	for i, it := range items {
		out[i] = it.info
	}
	return out
}

// Len returns the number of pending one-shot entries
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run calls RunPending every pollInterval until ctx is done
func (s *Scheduler) Run(ctx context.Context, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", pollInterval)
	}

	s.logger.Info("Scheduler loop started", zap.Duration("poll_interval", pollInterval))

	for {
		s.RunPending(ctx)

		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler loop stopped")
			return nil
		case <-s.clock.After(pollInterval):
		}
	}
}
