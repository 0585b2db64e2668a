package bus

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// GuidanceAction is an operator command verb.
type GuidanceAction string

const (
	GuidanceClick    GuidanceAction = "click"
	GuidanceType     GuidanceAction = "type"
	GuidanceSelect   GuidanceAction = "select"
	GuidanceScroll   GuidanceAction = "scroll"
	GuidanceContinue GuidanceAction = "continue"
	GuidanceSkip     GuidanceAction = "skip"
	GuidanceGoto     GuidanceAction = "goto"
	GuidanceStop     GuidanceAction = "stop"
)

func (a GuidanceAction) valid() bool {
	switch a {
	case GuidanceClick, GuidanceType, GuidanceSelect, GuidanceScroll,
		GuidanceContinue, GuidanceSkip, GuidanceGoto, GuidanceStop:
		return true
	}
	return false
}

// ErrInvalidCommand is returned for commands outside the guidance vocabulary.
var ErrInvalidCommand = errors.New("invalid_command")

// GuidanceCommand is a command from an operator, either in reply to a
// guidance request or unsolicited.
type GuidanceCommand struct {
	Action GuidanceAction `json:"action"`
	Value  string         `json:"value,omitempty"`
	Reason string         `json:"reason,omitempty"`
}

// Validate checks the action verb and the value each verb requires.
func (c GuidanceCommand) Validate() error {
	if !c.Action.valid() {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidCommand, c.Action)
	}
	switch c.Action {
	case GuidanceClick, GuidanceType, GuidanceSelect, GuidanceGoto:
		if strings.TrimSpace(c.Value) == "" {
			return fmt.Errorf("%w: %s requires a value", ErrInvalidCommand, c.Action)
		}
	}
	return nil
}

// ParseGuidanceCommand decodes and validates one wire command.
func ParseGuidanceCommand(raw []byte) (GuidanceCommand, error) {
	var cmd GuidanceCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return GuidanceCommand{}, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	cmd.Action = GuidanceAction(strings.ToLower(strings.TrimSpace(string(cmd.Action))))
	if err := cmd.Validate(); err != nil {
		return GuidanceCommand{}, err
	}
	return cmd, nil
}

// Classification says how the bus routed a submitted command.
type Classification string

const (
	ClassResponse     Classification = "response"
	ClassInterjection Classification = "interjection"
)

// Resolution records how a guidance request ended.
type Resolution string

const (
	ResolvedByOperator Resolution = "operator"
	ResolvedByTimeout  Resolution = "timeout"
	ResolvedByCancel   Resolution = "cancelled"
)

type slotState int

const (
	slotIdle slotState = iota
	slotAwaiting
)

// guidanceSlot is the two-state mailbox for the single outstanding guidance
// request. Only a delivered response or the requester giving up (timeout or
// cancellation) moves it from awaiting back to idle.
type guidanceSlot struct {
	mu    sync.Mutex
	state slotState
	reply chan GuidanceCommand
}

// open moves the slot to awaiting and returns the channel the reply lands on.
// The caller must already hold the request gate.
func (s *guidanceSlot) open() <-chan GuidanceCommand {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = slotAwaiting
	s.reply = make(chan GuidanceCommand, 1)
	return s.reply
}

// deliver hands cmd to the waiting requester. It reports false when no
// request is outstanding, which makes cmd an interjection.
func (s *guidanceSlot) deliver(cmd GuidanceCommand) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != slotAwaiting {
		return false
	}
	s.reply <- cmd
	s.state = slotIdle
	return true
}

// abandon returns the slot to idle after a timeout or cancellation. A reply
// that was delivered before the requester gave up is still returned.
func (s *guidanceSlot) abandon() (GuidanceCommand, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = slotIdle
	select {
	case cmd := <-s.reply:
		return cmd, true
	default:
		return GuidanceCommand{}, false
	}
}

func (s *guidanceSlot) awaiting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == slotAwaiting
}
