// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
)

// Phase is the step a subchain scan is in.
type Phase string

// Phases of a scan cycle.  A cycle normally runs Idle, Indexing, Scanning,
// AwaitingBlocks, Processing and back to Idle; any step may be triggered
// directly.
const (
	PhaseIdle           Phase = "Idle"
	PhaseIndexing       Phase = "Indexing"
	PhaseScanning       Phase = "Scanning"
	PhaseAwaitingBlocks Phase = "AwaitingBlocks"
	PhaseProcessing     Phase = "Processing"
	PhaseReorg          Phase = "Reorg"
)

var allPhases = []string{
	string(PhaseIdle),
	string(PhaseIndexing),
	string(PhaseScanning),
	string(PhaseAwaitingBlocks),
	string(PhaseProcessing),
	string(PhaseReorg),
}

// newPhaseMachine returns the state machine tracking a subchain's phase.
// Every phase is reachable from every other one; the machine records
// progress rather than gating it.
func newPhaseMachine(name string) *fsm.FSM {
	events := make(fsm.Events, 0, len(allPhases))
	for _, dst := range allPhases {
		events = append(events, fsm.EventDesc{
			Name: dst,
			Src:  allPhases,
			Dst:  dst,
		})
	}

	return fsm.NewFSM(
		string(PhaseIdle),
		events,
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Tracef("Subchain %s: %s -> %s", name, e.Src,
					e.Dst)
			},
		},
	)
}

// enterPhase moves the machine to phase.  Entering the current phase is
// not an error.
func enterPhase(m *fsm.FSM, phase Phase) error {
	err := m.Event(context.Background(), string(phase))

	var noTransition fsm.NoTransitionError
	if err != nil && !errors.As(err, &noTransition) {
		return err
	}
	return nil
}
