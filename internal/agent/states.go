package agent

import (
	"errors"
	"fmt"
)

// AgentState is a phase of an investigation.
type AgentState string

const (
	StateInit                   AgentState = "INIT"
	StateLoadSite               AgentState = "LOAD_SITE"
	StateFindRegister           AgentState = "FIND_REGISTER"
	StateFillRegister           AgentState = "FILL_REGISTER"
	StateSubmitRegister         AgentState = "SUBMIT_REGISTER"
	StateCheckEmailVerification AgentState = "CHECK_EMAIL_VERIFICATION"
	StateNavigateDeposit        AgentState = "NAVIGATE_DEPOSIT"
	StateExtractWallets         AgentState = "EXTRACT_WALLETS"
	StateComplete               AgentState = "COMPLETE"
	StateSkipped                AgentState = "SKIPPED"
	StateError                  AgentState = "ERROR"
)

// DefaultPlaybookPhase is the phase untagged playbook steps belong to.
const DefaultPlaybookPhase = StateFindRegister

// ErrInvalidTransition is returned for a move that is neither permitted by
// the table nor into a terminal state.
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrTerminalState is returned when a terminal session is asked to move.
var ErrTerminalState = errors.New("session already in a terminal state")

// stateSet is a read-only ordered successor list.
type stateSet []AgentState

func (s stateSet) contains(st AgentState) bool {
	for _, v := range s {
		if v == st {
			return true
		}
	}
	return false
}

var (
	transitions = map[AgentState]stateSet{
		StateInit:                   {StateLoadSite},
		StateLoadSite:               {StateFindRegister},
		StateFindRegister:           {StateFillRegister, StateNavigateDeposit},
		StateFillRegister:           {StateSubmitRegister},
		StateSubmitRegister:         {StateCheckEmailVerification, StateNavigateDeposit},
		StateCheckEmailVerification: {StateNavigateDeposit},
		StateNavigateDeposit:        {StateExtractWallets},
		StateExtractWallets:         {StateComplete},
	}

	terminalStates = map[AgentState]bool{
		StateComplete: true,
		StateSkipped:  true,
		StateError:    true,
	}

	milestoneStates = map[AgentState]bool{
		StateLoadSite:        true,
		StateFindRegister:    true,
		StateFillRegister:    true,
		StateNavigateDeposit: true,
		StateExtractWallets:  true,
		StateError:           true,
	}
)

// IsTerminal reports whether s ends a session.
func (s AgentState) IsTerminal() bool { return terminalStates[s] }

// IsMilestone reports whether entering s always captures a screenshot.
func (s AgentState) IsMilestone() bool { return milestoneStates[s] }

// Successors returns a copy of the table entry for s.
func (s AgentState) Successors() []AgentState {
	return append([]AgentState(nil), transitions[s]...)
}

// Next is the first permitted successor, used when an action signals the
// current phase is done.
func (s AgentState) Next() (AgentState, bool) {
	next := transitions[s]
	if len(next) == 0 {
		return "", false
	}
	return next[0], true
}

// ParseAgentState maps a name onto a known state.
func ParseAgentState(name string) (AgentState, bool) {
	s := AgentState(name)
	if _, ok := transitions[s]; ok || terminalStates[s] {
		return s, true
	}
	return "", false
}

// CanTransition reports whether from may move to to. Terminal targets are
// reachable from any non-terminal state.
func CanTransition(from, to AgentState) error {
	if from.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTerminalState, from)
	}
	if to.IsTerminal() || transitions[from].contains(to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
