package stats

import (
	"context"
	"testing"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
)

func Test_joinTags(t *testing.T) {
	tags := convertTags(mergeTags(
		Tags{"a": 1, "b": 2},
		Tags{"b": 3, "c": "hello", "e": nil},
		nil,
		Tags{"a": "world", "d": 5.5},
	))

	assert.Equal(t, []string{"a:world", "b:3", "c:hello", "d:5.5"}, tags)
}

func Test_joinPrefixes(t *testing.T) {
	assert.Equal(t, "tyb_agent.purge", joinPrefixes("", "tyb_agent", "", "purge"))
}

func TestStats_ErrorEventIsLogged(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	st := New(&statsd.NoOpClient{}, logger).WithPrefix("tunnel").WithTags(Tags{"node": "edge-1"})

	st.ErrorEvent("boot_error", errors.New("ngrok exited"))

	entry := hook.LastEntry()
	if assert.NotNil(t, entry) {
		assert.Equal(t, logrus.ErrorLevel, entry.Level)
		assert.Equal(t, "tunnel.boot_error", entry.Message)
		assert.Equal(t, "ngrok exited", entry.Data["error"])
		assert.Equal(t, "edge-1", entry.Data["node"])
	}
}

func TestGetStats_Default(t *testing.T) {
	st := GetStats(context.Background())
	assert.NotPanics(t, func() { st.Incr("x", nil, 1) })
}
