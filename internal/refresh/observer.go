package refresh

import (
	"context"
	"time"

	"github.com/OrlandoBitencourt/fliptengine/internal/circuit"
)

// Trigger names what started a refresh
type Trigger string

const (
	TriggerInitial Trigger = "initial"
	TriggerTick    Trigger = "tick"
	TriggerManual  Trigger = "manual"
	TriggerStream  Trigger = "stream"
	TriggerDisk    Trigger = "disk"
)

// Outcome is how a refresh ended
type Outcome string

const (
	OutcomeCommitted   Outcome = "committed"
	OutcomeNotModified Outcome = "not_modified"
	OutcomeFailed      Outcome = "failed"
	// OutcomeSkipped means the circuit was open and no fetch was made
	OutcomeSkipped Outcome = "skipped"
)

// Event describes one finished refresh
type Event struct {
	Namespace string
	Trigger   Trigger
	Outcome   Outcome
	Version   string
	Flags     int
	Duration  time.Duration
	Err       error
}

// Observer receives every refresh outcome and lifecycle change. Calls are
// made synchronously from the scheduler's goroutines and must not block.
type Observer interface {
	RefreshCompleted(ctx context.Context, ev Event)
	StateChanged(from, to State)
	CircuitChanged(from, to circuit.State)
	StreamConnected()
	StreamDisconnected(err error)
}

type noopObserver struct{}

func (noopObserver) RefreshCompleted(context.Context, Event) {}
func (noopObserver) StateChanged(State, State) {}
func (noopObserver) CircuitChanged(circuit.State, circuit.State) {}
func (noopObserver) StreamConnected() {}
func (noopObserver) StreamDisconnected(error) {}
