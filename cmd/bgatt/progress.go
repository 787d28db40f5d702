package main

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

var phaseColor = color.New(color.FgCyan)

// ProgressPrinter keeps one status line up to date on w while a command
// waits on the radio. It is single-use: Start once, Stop at least once.
//
//	p := NewProgressPrinter(cmd.ErrOrStderr(), "Inspecting AA:BB:...", "Scanning", "Processing results")
//	p.Start()
//	defer p.Stop()
type ProgressPrinter struct {
	w          io.Writer
	prefix     string
	phase      atomic.Value // string
	stopPhases map[string]struct{}
	countdown  time.Duration // 0 counts up

	startOnce sync.Once
	stopOnce  sync.Once
	start     time.Time
	stop      chan struct{}
	done      chan struct{}
}

// NewProgressPrinter shows the elapsed time. Setting any of stopPhases
// through Callback stops the printer.
func NewProgressPrinter(w io.Writer, prefix, phase string, stopPhases ...string) *ProgressPrinter {
	p := &ProgressPrinter{
		w:          w,
		prefix:     prefix,
		stopPhases: make(map[string]struct{}, len(stopPhases)),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, s := range stopPhases {
		p.stopPhases[s] = struct{}{}
	}
	p.phase.Store(phase)
	return p
}

// NewCountdownProgressPrinter shows the time left out of d instead.
func NewCountdownProgressPrinter(w io.Writer, prefix, phase string, d time.Duration, stopPhases ...string) *ProgressPrinter {
	p := NewProgressPrinter(w, prefix, phase, stopPhases...)
	p.countdown = d
	return p
}

func (p *ProgressPrinter) Start() {
	p.startOnce.Do(func() {
		p.start = time.Now()
		p.print(p.phase.Load().(string), 0)
		go p.loop()
	})
}

func (p *ProgressPrinter) loop() {
	defer close(p.done)

	ticker := time.NewTicker(progressUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			phase := p.phase.Load().(string)
			if _, ok := p.stopPhases[phase]; ok {
				return
			}
			p.print(phase, p.seconds())
		}
	}
}

func (p *ProgressPrinter) seconds() int {
	elapsed := time.Since(p.start)
	if p.countdown == 0 {
		return int(elapsed.Seconds())
	}
	remaining := p.countdown - elapsed
	if remaining <= 0 {
		return 0
	}
	return int(remaining.Seconds() + 0.5)
}

func (p *ProgressPrinter) print(phase string, seconds int) {
	status := phase + "..."
	if seconds > 0 {
		status = fmt.Sprintf("%s %ds", phase, seconds)
	}
	fmt.Fprintf(p.w, "\r%s (%s)   ", p.prefix, phaseColor.Sprint(status))
}

// Callback returns a phase setter for inspector-style progress callbacks.
// It is safe for concurrent use.
func (p *ProgressPrinter) Callback() func(phase string) {
	return func(phase string) {
		p.phase.Store(phase)
		if _, ok := p.stopPhases[phase]; ok {
			p.Stop()
		}
	}
}

// Stop ends the updates and clears the line. Extra calls do nothing.
func (p *ProgressPrinter) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
		// a printer that never started has no loop to wait for
		p.startOnce.Do(func() { close(p.done) })
		<-p.done
		fmt.Fprint(p.w, clearLineSequence)
	})
}
