// Package prompt asks the operator for input during bootstrap.
package prompt

import (
	"strings"
	"sync"

	"github.com/charmbracelet/huh"
	"github.com/pkg/errors"
)

// ErrAborted is returned when the operator cancels a prompt.
var ErrAborted = errors.New("prompt aborted")

// Prompter reads answers from the operator.
type Prompter interface {
	// Input reads one line of text.
	Input(title string) (string, error)

	// Secret reads one line of text without echo.
	Secret(title string) (string, error)

	// Confirm asks a yes/no question.
	Confirm(title string) (bool, error)
}

// Terminal prompts on the controlling terminal.
type Terminal struct{}

func (Terminal) Input(title string) (string, error) {
	var value string
	err := huh.NewInput().
		Title(title).
		Value(&value).
		Run()
	return strings.TrimSpace(value), mapError(err)
}

func (Terminal) Secret(title string) (string, error) {
	var value string
	err := huh.NewInput().
		Title(title).
		EchoMode(huh.EchoModePassword).
		Value(&value).
		Run()
	return trimLineEnding(value), mapError(err)
}

// trimLineEnding drops a trailing newline and keeps every other byte of a
// secret, spaces included.
func trimLineEnding(value string) string {
	value = strings.TrimSuffix(value, "\n")
	return strings.TrimSuffix(value, "\r")
}

func (Terminal) Confirm(title string) (bool, error) {
	var value bool
	err := huh.NewConfirm().
		Title(title).
		Affirmative("Yes").
		Negative("No").
		Value(&value).
		Run()
	return value, mapError(err)
}

func mapError(err error) error {
	if errors.Is(err, huh.ErrUserAborted) {
		return ErrAborted
	}
	return err
}

// ErrExhausted is returned by Scripted when it runs out of answers.
var ErrExhausted = errors.New("no scripted answer left")

// Scripted answers prompts from fixed lists, in order. It records every title asked.
type Scripted struct {
	Inputs   []string
	Secrets  []string
	Confirms []bool

	mu     sync.Mutex
	titles []string
}

func (s *Scripted) Input(title string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles = append(s.titles, title)
	if len(s.Inputs) == 0 {
		return "", errors.Wrap(ErrExhausted, title)
	}
	v := s.Inputs[0]
	s.Inputs = s.Inputs[1:]
	return v, nil
}

func (s *Scripted) Secret(title string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles = append(s.titles, title)
	if len(s.Secrets) == 0 {
		return "", errors.Wrap(ErrExhausted, title)
	}
	v := s.Secrets[0]
	s.Secrets = s.Secrets[1:]
	return v, nil
}

func (s *Scripted) Confirm(title string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles = append(s.titles, title)
	if len(s.Confirms) == 0 {
		return false, errors.Wrap(ErrExhausted, title)
	}
	v := s.Confirms[0]
	s.Confirms = s.Confirms[1:]
	return v, nil
}

// Asked returns the titles of every prompt shown so far.
func (s *Scripted) Asked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.titles...)
}
