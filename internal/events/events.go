// Package events defines the EventRecorder consumed by the core, plus the
// resource samplers feeding it. Implementations may no-op.
package events

import "time"

// Event is one orchestrator-level occurrence (run started, phase finished,
// package failed, …).
type Event struct {
	RunID     string
	JobID     string
	Level     string
	Message   string
	Timestamp time.Time
}

// Sample is one resource measurement attributed to a job.
type Sample struct {
	JobID        string
	CPUUserPct   float64
	CPUSystemPct float64
	MemUsed      uint64 // bytes
	DiskUsed     uint64 // bytes
	Load1        float64
	Load5        float64
	Load15       float64
	Timestamp    time.Time
}

// Recorder receives events and resource samples.
type Recorder interface {
	Event(ev Event)
	Sample(s Sample)
}

// Nop drops everything.
type Nop struct{}

func (Nop) Event(Event)   {}
func (Nop) Sample(Sample) {}
