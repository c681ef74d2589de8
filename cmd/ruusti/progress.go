package main

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter keeps a single terminal line updated with the current
// phase and elapsed (or, with a countdown, remaining) seconds. Single-use:
// Start at most once; Stop ends the background goroutine and clears the
// line, and may be called any number of times from any goroutine.
type ProgressPrinter struct {
	prefix     string
	phase      atomic.Value        // current phase name (string)
	stopPhases map[string]struct{} // phases that end the display
	countdown  time.Duration       // zero means count elapsed time up

	start    time.Time
	deadline time.Time
	started  atomic.Bool
	stopOnce sync.Once
	quit     chan struct{}
	done     chan struct{}
}

// NewProgressPrinter creates a printer showing elapsed seconds. Setting one
// of stopPhases via Callback stops the display automatically.
func NewProgressPrinter(prefix string, phase string, stopPhases ...string) *ProgressPrinter {
	return newPrinter(prefix, phase, 0, stopPhases)
}

// NewCountdownProgressPrinter creates a printer counting down from duration.
func NewCountdownProgressPrinter(prefix string, phase string, duration time.Duration, stopPhases ...string) *ProgressPrinter {
	return newPrinter(prefix, phase, duration, stopPhases)
}

func newPrinter(prefix, phase string, countdown time.Duration, stopPhases []string) *ProgressPrinter {
	halt := make(map[string]struct{}, len(stopPhases))
	for _, p := range stopPhases {
		halt[p] = struct{}{}
	}
	pp := &ProgressPrinter{
		prefix:     prefix,
		stopPhases: halt,
		countdown:  countdown,
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	pp.phase.Store(phase)
	return pp
}

// Start prints the initial line and begins updating it in the background.
// Panics if called twice.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}
	p.start = time.Now()
	if p.countdown > 0 {
		p.deadline = p.start.Add(p.countdown)
	}

	fmt.Print(p.render())
	go p.loop()
}

func (p *ProgressPrinter) loop() {
	defer close(p.done)
	ticker := time.NewTicker(progressUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
			if _, halt := p.stopPhases[p.phase.Load().(string)]; halt {
				return
			}
			fmt.Print(p.render())
		}
	}
}

func (p *ProgressPrinter) render() string {
	phase := p.phase.Load().(string)

	var seconds int
	if p.deadline.IsZero() {
		seconds = int(time.Since(p.start).Seconds())
	} else if remaining := time.Until(p.deadline); remaining > 0 {
		seconds = int(remaining.Round(time.Second).Seconds())
	}
	if seconds > 0 {
		return fmt.Sprintf("\r%s (%s %ds)   ", p.prefix, phase, seconds)
	}
	return fmt.Sprintf("\r%s (%s...)   ", p.prefix, phase)
}

// Callback returns a function that updates the displayed phase; setting a
// stop phase shuts the printer down. Safe for concurrent use.
func (p *ProgressPrinter) Callback() func(phase string) {
	return func(phase string) {
		p.phase.Store(phase)
		if _, halt := p.stopPhases[phase]; halt {
			p.Stop()
		}
	}
}

// Stop ends the display and clears the line.
func (p *ProgressPrinter) Stop() {
	if !p.started.Load() {
		return
	}
	p.stopOnce.Do(func() {
		close(p.quit)
		<-p.done
		fmt.Print(clearLineSequence)
	})
}
