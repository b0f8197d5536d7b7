package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gopkg.in/DataDog/dd-trace-go.v1/profiler"
)

func TestParseProfileTypes(t *testing.T) {
	var s ProfilerSettings
	unknown := s.ParseProfileTypes([]string{"cpu", "heap", "disk"})

	assert.Equal(t, []string{"disk"}, unknown)
	assert.Equal(t, []profiler.ProfileType{profiler.CPUProfile, profiler.HeapProfile}, s.profileTypes())
}
