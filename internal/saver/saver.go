// Package saver implements the debounced persistence scheduler: per
// key, a quiet-period debounce with a hard cap since the first
// schedule, an immediate-save escape hatch, and strict per-key
// serialization between the timed and immediate paths.
package saver

import (
	"fmt"
	"sync"
	"time"
)

// Task is the unit of work a scheduled or immediate save runs. Its
// error (or recovered panic) is reported to the Saver's ErrorHandler;
// it never cancels future scheduled saves, for this key or any
// other.
type Task func() error

// ErrorHandler receives storage failures.
type ErrorHandler interface {
	OnStorageError(name string, err error)
}

type entry struct {
	mu               sync.Mutex
	pending          bool
	firstScheduledAt time.Time
	task             Task
	timer            *time.Timer

	// saveMu serializes actual task execution for this key across both
	// the timed-fire path and SaveImmediately, satisfying "at most one
	// save per name runs at any instant".
	saveMu sync.Mutex
}

// Recorder receives save-outcome counts, e.g. for Prometheus
// counters incremented at the saver's own fire call site. Optional: a
// Saver with no Recorder set just skips the calls.
type Recorder interface {
	SaveSucceeded()
	SaveFailed()
}

// Saver schedules debounced per-key saves.
type Saver struct {
	debounce    time.Duration
	maxDebounce time.Duration
	errHandler  ErrorHandler
	recorder    Recorder

	mu      sync.Mutex
	entries map[string]*entry
}

// SetRecorder attaches a metrics Recorder. Not required at
// construction so existing callers and tests are unaffected;
// cmd/collabd wires it in through docregistry.Registry.SetSaveRecorder.
func (s *Saver) SetRecorder(r Recorder) { s.recorder = r }

// New creates a Saver with the given quiet period and hard cap.
func New(debounce, maxDebounce time.Duration, errHandler ErrorHandler) *Saver {
	return &Saver{
		debounce:    debounce,
		maxDebounce: maxDebounce,
		errHandler:  errHandler,
		entries:     make(map[string]*entry),
	}
}

func (s *Saver) entryFor(name string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		e = &entry{}
		s.entries[name] = e
	}
	return e
}

// ScheduleSave arms (or re-arms) the debounce timer for name. The
// effective fire time is min(now+debounce, firstScheduledAt+maxDebounce),
// and the latest task replaces any prior task for the same key.
func (s *Saver) ScheduleSave(name string, task Task) {
	e := s.entryFor(name)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	e.task = task

	var deadline time.Time
	if !e.pending {
		e.pending = true
		e.firstScheduledAt = now
		deadline = now.Add(s.debounce)
	} else {
		deadline = now.Add(s.debounce)
		cap := e.firstScheduledAt.Add(s.maxDebounce)
		if deadline.After(cap) {
			deadline = cap
		}
		if e.timer != nil {
			e.timer.Stop()
		}
	}

	delay := deadline.Sub(now)
	if delay < 0 {
		delay = 0
	}
	e.timer = time.AfterFunc(delay, func() { s.fire(name, e) })
}

func (s *Saver) fire(name string, e *entry) {
	e.mu.Lock()
	task := e.task
	e.pending = false
	e.task = nil
	e.timer = nil
	e.mu.Unlock()

	if task == nil {
		return
	}
	s.runSerialized(name, e, task)
}

// SaveImmediately cancels any pending timer for name and runs task
// synchronously, under the same per-name serialization guarantee as the
// timed path (it blocks if a save for name is already in flight).
func (s *Saver) SaveImmediately(name string, task Task) {
	e := s.entryFor(name)
	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.pending = false
	e.task = nil
	e.mu.Unlock()

	s.runSerialized(name, e, task)
}

func (s *Saver) runSerialized(name string, e *entry, task Task) {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			if s.errHandler != nil {
				if err, ok := r.(error); ok {
					s.errHandler.OnStorageError(name, err)
				} else {
					s.errHandler.OnStorageError(name, panicError{r})
				}
			}
			if s.recorder != nil {
				s.recorder.SaveFailed()
			}
		}
	}()
	err := task()
	if err != nil && s.errHandler != nil {
		s.errHandler.OnStorageError(name, err)
	}
	if s.recorder != nil {
		if err != nil {
			s.recorder.SaveFailed()
		} else {
			s.recorder.SaveSucceeded()
		}
	}
}

type panicError struct{ v any }

func (p panicError) Error() string { return fmt.Sprintf("saver: task panicked: %v", p.v) }
