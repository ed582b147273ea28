// Package progress carries user-facing messages and step signals out of the
// pipeline. The core only talks to a Sink; whether the messages end up in a
// log file, on a terminal progress bar, or nowhere is the caller's choice.
package progress

import (
	"fmt"
	"sync"
)

// Step identifies a stage of a restoration run
type Step string

const (
	StepLoad       Step = "load"
	StepNormalize  Step = "normalize"
	StepUpsample   Step = "upsample"
	StepPrediction Step = "prediction"
	StepFusion     Step = "fusion"
	StepSave       Step = "save"
	StepPassA      Step = "pass-a"
	StepPassB      Step = "pass-b"
	StepValidation Step = "validation"
)

// Sink receives progress and log signals
type Sink interface {
	LogMessage(text string)
	ReportError(text string)
	BeginStep(step Step)
	MarkStepDone()
	MarkStepFailed()
}

// BatchReporter is implemented by sinks that show per-batch progress
type BatchReporter interface {
	ReportBatch(done, total int)
}

// ReportBatch forwards batch progress to sinks that support it
func ReportBatch(s Sink, done, total int) {
	if r, ok := s.(BatchReporter); ok {
		r.ReportBatch(done, total)
	}
}

// Nop discards everything
type Nop struct{}

func (Nop) LogMessage(string)  {}
func (Nop) ReportError(string) {}
func (Nop) BeginStep(Step)     {}
func (Nop) MarkStepDone()      {}
func (Nop) MarkStepFailed()    {}

// Multi fans every signal out to several sinks
type Multi []Sink

func (m Multi) LogMessage(text string) {
	for _, s := range m {
		s.LogMessage(text)
	}
}

func (m Multi) ReportError(text string) {
	for _, s := range m {
		s.ReportError(text)
	}
}

func (m Multi) BeginStep(step Step) {
	for _, s := range m {
		s.BeginStep(step)
	}
}

func (m Multi) MarkStepDone() {
	for _, s := range m {
		s.MarkStepDone()
	}
}

func (m Multi) MarkStepFailed() {
	for _, s := range m {
		s.MarkStepFailed()
	}
}

func (m Multi) ReportBatch(done, total int) {
	for _, s := range m {
		ReportBatch(s, done, total)
	}
}

// Event is one signal captured by a Recorder
type Event struct {
	Kind string
	Text string
	Step Step
}

func (e Event) String() string {
	switch {
	case e.Step != "":
		return fmt.Sprintf("%s(%s)", e.Kind, e.Step)
	case e.Text != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Text)
	}
	return e.Kind
}

// Recorder keeps every signal in memory. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

const (
	KindLog    = "log"
	KindError  = "error"
	KindBegin  = "begin"
	KindDone   = "done"
	KindFailed = "failed"
	KindBatch  = "batch"
)

func (r *Recorder) add(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *Recorder) LogMessage(text string)  { r.add(Event{Kind: KindLog, Text: text}) }
func (r *Recorder) ReportError(text string) { r.add(Event{Kind: KindError, Text: text}) }
func (r *Recorder) MarkStepDone()           { r.add(Event{Kind: KindDone}) }
func (r *Recorder) MarkStepFailed()         { r.add(Event{Kind: KindFailed}) }

func (r *Recorder) BeginStep(step Step) {
	r.add(Event{Kind: KindBegin, Step: step})
}

func (r *Recorder) ReportBatch(done, total int) {
	r.add(Event{Kind: KindBatch, Text: fmt.Sprintf("%d/%d", done, total)})
}

// Events returns a copy of the recorded signals
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns the number of recorded signals of one kind
func (r *Recorder) Count(kind string) int {
	n := 0
	for _, e := range r.Events() {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Texts returns the text of every signal of one kind, in order
func (r *Recorder) Texts(kind string) []string {
	var out []string
	for _, e := range r.Events() {
		if e.Kind == kind {
			out = append(out, e.Text)
		}
	}
	return out
}
