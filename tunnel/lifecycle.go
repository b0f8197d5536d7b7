package tunnel

import (
	"context"

	"github.com/DataDog/datadog-go/statsd"

	"github.com/tynkerbase/tynkerbase-agent/stats"
)

// Lifecycle provides callbacks for the tunnel manager to self-report progress
type Lifecycle interface {
	// Transition is called every time the token state machine moves.
	Transition(from, to State)

	// BootEvent is called for logging purposes during relevant events while the tunnel comes up.
	BootEvent(event string, tags stats.Tags)

	// BootError is called when a non-fatal anomaly occurs while the tunnel comes up.
	BootError(err error)

	// Open is called once the public URL is known.
	Open(publicURL string)

	// Error is called when an error stops the tunnel from coming up
	Error(err error)

	// Stop is called when the ngrok process is shut down
	Stop()
}

// lifecycleLogger reports a tunnel's lifecycle as stats events
type lifecycleLogger struct {
	st stats.Stats
}

// NewLifecycle reports to st.
func NewLifecycle(st stats.Stats) Lifecycle {
	return lifecycleLogger{st: st.WithPrefix("tunnel")}
}

func (l lifecycleLogger) Transition(from, to State) {
	l.st.Event(stats.Event{
		Event: statsd.Event{
			Title:     "transition",
			Text:      string(to),
			AlertType: statsd.Info,
		},
		Tags: stats.Tags{"from": string(from), "to": string(to)},
	})
}

func (l lifecycleLogger) BootEvent(event string, tags stats.Tags) {
	if tags == nil {
		tags = stats.Tags{}
	}
	tags["event"] = event
	l.st.Event(stats.Event{
		Event: statsd.Event{
			Title:     "boot_event",
			Text:      event,
			AlertType: statsd.Info,
		},
		Tags: tags,
	})
}

func (l lifecycleLogger) BootError(err error) {
	l.st.Event(stats.Event{
		Event: statsd.Event{
			Title:     "boot_error",
			Text:      err.Error(),
			AlertType: statsd.Warning,
		},
	})
}

func (l lifecycleLogger) Open(publicURL string) {
	l.st.Event(stats.Event{
		Event: statsd.Event{
			Title:     "open",
			Text:      publicURL,
			AlertType: statsd.Success,
		},
	})
}

func (l lifecycleLogger) Error(err error) {
	l.st.ErrorEvent("error", err)
}

func (l lifecycleLogger) Stop() {
	l.st.SimpleEvent("stop")
}

type NoopLifecycle struct {
}

func (n NoopLifecycle) Transition(from, to State) {
	// no-op
}

func (n NoopLifecycle) BootEvent(event string, tags stats.Tags) {
	// no-op
}

func (n NoopLifecycle) BootError(err error) {
	// no-op
}

func (n NoopLifecycle) Open(publicURL string) {
	// no-op
}

func (n NoopLifecycle) Error(err error) {
	// no-op
}

func (n NoopLifecycle) Stop() {
	// no-op
}

type ctxLifecycleKey struct{}

func getCtxLifecycle(ctx context.Context) Lifecycle {
	lc, ok := ctx.Value(ctxLifecycleKey{}).(Lifecycle)
	if !ok {
		return NoopLifecycle{}
	}
	return lc
}

func injectCtxLifecycle(ctx context.Context, lifecycle Lifecycle) context.Context {
	return context.WithValue(ctx, ctxLifecycleKey{}, lifecycle)
}
