package model

import "errors"

var (
	// ErrTerminalStatus is returned when leaving resolved or archived
	ErrTerminalStatus = errors.New("session status is terminal")
	// ErrInvalidTransition is returned for transitions no operation produces
	ErrInvalidTransition = errors.New("invalid session transition")
)

// Terminal reports whether no transition leaves this status
func (s SessionStatus) Terminal() bool {
	return s == StatusResolved || s == StatusArchived
}

// Valid reports whether s is a known status
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusActive, StatusResolved, StatusArchived:
		return true
	}
	return false
}

// Valid reports whether t is a known session type
func (t SessionType) Valid() bool {
	return t == TypeAIConversation || t == TypeHumanSupport
}

// NextStatus applies a resolve request. It returns the new status and
// whether anything changed. Resolving a resolved session is a no-op.
func NextStatus(current, target SessionStatus) (SessionStatus, bool, error) {
	if current == target {
		return current, false, nil
	}
	if current.Terminal() {
		return current, false, ErrTerminalStatus
	}
	// archived has no producer
	if target != StatusResolved {
		return current, false, ErrInvalidTransition
	}
	return target, true, nil
}

// NextType applies a handoff request. The type axis only moves from
// ai_conversation to human_support; repeating it is a no-op.
func NextType(current, target SessionType) (SessionType, bool, error) {
	if current == target {
		return current, false, nil
	}
	if target != TypeHumanSupport {
		return current, false, ErrInvalidTransition
	}
	return target, true, nil
}

// SessionState is the pair of axes a transition moves
type SessionState struct {
	Type   SessionType
	Status SessionStatus
}

// State returns the session's current state pair
func (s *Session) State() SessionState {
	return SessionState{Type: s.Type, Status: s.Status}
}
