package main

import (
	"context"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.uber.org/fx"

	"github.com/tynkerbase/tynkerbase-agent/log"
	"github.com/tynkerbase/tynkerbase-agent/telemetry"
)

const (
	ConfigTelemetryProfilerEnabled = "telemetry.profiler.enabled"
	ConfigTelemetryProfileTypes    = "telemetry.profiler.profile_types"
)

// runTelemetry sets up telemetry for the application
func runTelemetry(lc fx.Lifecycle, log *log.Logger, config *viper.Viper) error {
	config.SetDefault(ConfigTelemetryProfilerEnabled, false)
	config.SetDefault(ConfigTelemetryProfileTypes, []string{"cpu", "heap"})

	if !config.GetBool(ConfigTelemetryProfilerEnabled) {
		return nil
	}

	settings := telemetry.ProfilerSettings{
		Service: name,
		Env:     config.GetString(ConfigEnv),
		Version: version,
	}
	for _, profileType := range settings.ParseProfileTypes(config.GetStringSlice(ConfigTelemetryProfileTypes)) {
		log.Warnf("unknown profile type %s", profileType)
	}

	// Run the profiler
	stopProfiler, err := telemetry.Profiler(settings)
	if err != nil {
		return errors.Wrap(err, "could not start profiler")
	}

	// Stop the profiler on application shutdown
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopProfiler()
			return nil
		},
	})
	return nil
}
