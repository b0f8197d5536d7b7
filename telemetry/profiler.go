// Package telemetry runs the optional Datadog continuous profiler.
package telemetry

import (
	"github.com/pkg/errors"
	"gopkg.in/DataDog/dd-trace-go.v1/profiler"
)

type ProfilerSettings struct {
	Service string
	Env     string
	Version string

	ProfileCPU       bool
	ProfileHeap      bool
	ProfileBlock     bool
	ProfileMutex     bool
	ProfileGoroutine bool
}

// ParseProfileTypes enables the named profile types. Unknown names are returned.
func (s *ProfilerSettings) ParseProfileTypes(names []string) (unknown []string) {
	for _, name := range names {
		switch name {
		case "cpu":
			s.ProfileCPU = true
		case "heap":
			s.ProfileHeap = true
		case "block":
			s.ProfileBlock = true
		case "mutex":
			s.ProfileMutex = true
		case "goroutine":
			s.ProfileGoroutine = true
		default:
			unknown = append(unknown, name)
		}
	}
	return unknown
}

func (s ProfilerSettings) profileTypes() []profiler.ProfileType {
	var profileTypes []profiler.ProfileType

	if s.ProfileCPU {
		profileTypes = append(profileTypes, profiler.CPUProfile)
	}
	if s.ProfileHeap {
		profileTypes = append(profileTypes, profiler.HeapProfile)
	}
	if s.ProfileBlock {
		profileTypes = append(profileTypes, profiler.BlockProfile)
	}
	if s.ProfileMutex {
		profileTypes = append(profileTypes, profiler.MutexProfile)
	}
	if s.ProfileGoroutine {
		profileTypes = append(profileTypes, profiler.GoroutineProfile)
	}
	return profileTypes
}

// Profiler starts the Datadog continuous profiler
func Profiler(settings ProfilerSettings) (stop func(), err error) {
	opts := []profiler.Option{profiler.WithProfileTypes(settings.profileTypes()...)}
	if settings.Service != "" {
		opts = append(opts, profiler.WithService(settings.Service))
	}
	if settings.Env != "" {
		opts = append(opts, profiler.WithEnv(settings.Env))
	}
	if settings.Version != "" {
		opts = append(opts, profiler.WithVersion(settings.Version))
	}

	if err := profiler.Start(opts...); err != nil {
		return nil, errors.Wrap(err, "could not start profiler")
	}

	return func() {
		profiler.Stop()
	}, nil
}
