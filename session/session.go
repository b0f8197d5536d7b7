// Package session holds the record established at the end of bootstrap.
package session

import (
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrAlreadySealed = errors.New("session already sealed")
	ErrIncomplete    = errors.New("session state incomplete")
)

// State is everything the agent knows about the logged-in user and this node.
type State struct {
	NodeID     string
	Name       string
	Email      string
	PassSHA256 string
	PassSHA384 string
	APIKey     string
}

// Complete reports whether every field is populated.
func (s State) Complete() bool {
	return s.NodeID != "" &&
		s.Name != "" &&
		s.Email != "" &&
		s.PassSHA256 != "" &&
		s.PassSHA384 != "" &&
		s.APIKey != ""
}

// Store is a write-once handle to the session State. Request handlers only read.
type Store struct {
	mu     sync.RWMutex
	state  State
	sealed bool
}

func NewStore() *Store {
	return &Store{}
}

// Seal records the state. It may only succeed once, and only with a complete state.
func (s *Store) Seal(state State) error {
	if !state.Complete() {
		return ErrIncomplete
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return ErrAlreadySealed
	}
	s.state = state
	s.sealed = true
	return nil
}

// Get returns a copy of the sealed state. ok is false before Seal.
func (s *Store) Get() (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, s.sealed
}

// Sealed reports whether bootstrap has finished.
func (s *Store) Sealed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sealed
}

// APIKey returns the session key, or "" before Seal.
func (s *Store) APIKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.APIKey
}
