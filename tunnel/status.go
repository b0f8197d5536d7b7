package tunnel

import (
	"github.com/tynkerbase/tynkerbase-agent/log"
)

// State is a step of the token state machine.
type State string

const (
	StateUnknown     State = "unknown"
	StateFetchRemote State = "fetch_remote"
	StatePrompt      State = "prompt"
	StateAttach      State = "attach"
	StateAttached    State = "attached"
	StatePublic      State = "public"
	StateDisabled    State = "disabled"
	StateFailed      State = "failed"
)

// Status is a snapshot of the manager.
type Status struct {
	State     State
	PublicURL string
	Message   string
}

func statusLogger(log *log.Logger, statuses <-chan Status) {
	for status := range statuses {
		log.With(
			"state", string(status.State),
			"public_url", status.PublicURL,
		).Debugf("[%s] %s", status.State, status.Message)
	}
}
