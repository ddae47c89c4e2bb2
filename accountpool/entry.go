package accountpool

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	x402x "github.com/x402x/facilitator"
	"github.com/x402x/facilitator/mechanisms/evm"
)

// State is the lifecycle position of a queue entry.
type State int32

const (
	StateQueued State = iota
	StateValidating
	StateExecuting
	StateConfirming
	StateSettled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateValidating:
		return "validating"
	case StateExecuting:
		return "executing"
	case StateConfirming:
		return "confirming"
	case StateSettled:
		return "settled"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSettled || s == StateFailed
}

// next lists the forward transitions; failed is reachable from every
// non-terminal state. An entry found already settled while validating
// settles directly.
var next = map[State]State{
	StateQueued:     StateValidating,
	StateValidating: StateExecuting,
	StateExecuting:  StateConfirming,
	StateConfirming: StateSettled,
}

func allowed(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if from == StateValidating && to == StateSettled {
		return true
	}
	return to == StateFailed || next[from] == to
}

// QueueEntry is one admitted settlement waiting in, or running on, an
// account lane.
type QueueEntry struct {
	ID         string
	Request    *evm.SettlementRequest
	EnqueuedAt time.Time
	// Plan is opaque data the submitter hands to the Executor.
	Plan any

	account *Account
	state   atomic.Int32
	tx      atomic.Pointer[string]
	done    chan x402x.SettlementResult
}

func newEntry(req *evm.SettlementRequest, plan any, account *Account, now time.Time) *QueueEntry {
	return &QueueEntry{
		ID:         uuid.NewString(),
		Request:    req,
		EnqueuedAt: now,
		Plan:       plan,
		account:    account,
		done:       make(chan x402x.SettlementResult, 1),
	}
}

// Account returns the account the entry was assigned to.
func (e *QueueEntry) Account() *Account {
	return e.account
}

// State returns the current state.
func (e *QueueEntry) State() State {
	return State(e.state.Load())
}

// Transition moves the entry to the given state. Only forward moves and
// moves to failed are accepted.
func (e *QueueEntry) Transition(to State) error {
	for {
		from := e.State()
		if !allowed(from, to) {
			return fmt.Errorf("queue entry %s: invalid transition %s -> %s", e.ID, from, to)
		}
		if e.state.CompareAndSwap(int32(from), int32(to)) {
			return nil
		}
	}
}

// SetTransaction records the hash of the transaction sent for the entry.
func (e *QueueEntry) SetTransaction(hash string) {
	e.tx.Store(&hash)
}

// Transaction returns the hash of the sent transaction, or "" before one
// was sent.
func (e *QueueEntry) Transaction() string {
	if hash := e.tx.Load(); hash != nil {
		return *hash
	}
	return ""
}

// Done delivers the single terminal result.
func (e *QueueEntry) Done() <-chan x402x.SettlementResult {
	return e.done
}

// finish moves the entry to its terminal state and publishes result.
func (e *QueueEntry) finish(result x402x.SettlementResult) {
	target := StateFailed
	if result.Success {
		target = StateSettled
	}
	if err := e.Transition(target); err != nil {
		// success reported before the entry was validated
		if target == StateSettled {
			_ = e.Transition(StateFailed)
			result = x402x.SettlementResult{
				Success:     false,
				Payer:       result.Payer,
				Network:     result.Network,
				Transaction: result.Transaction,
				ErrorReason: x402x.ReasonConfiguration,
				Err:         err,
			}
		}
	}
	e.done <- result
}
