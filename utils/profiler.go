package utils

import (
	. "github.com/Luismorlan/communitymux/utils/flag"
	Logger "github.com/Luismorlan/communitymux/utils/log"
	"gopkg.in/DataDog/dd-trace-go.v1/profiler"
)

// StartProfiler starts the Datadog continuous profiler.
func StartProfiler() {
	if err := profiler.Start(
		profiler.WithService(*ServiceName),
		profiler.WithEnv(datadogEnv()),
		profiler.WithProfileTypes(
			profiler.CPUProfile,
			profiler.HeapProfile,
		),
	); err != nil {
		Logger.Log.Errorf("fail to start profiler: %s", err)
	}
}

// Stop profiler, OK to be closed multiple times
func CloseProfiler() {
	profiler.Stop()
}
