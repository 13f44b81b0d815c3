package utils

import (
	"github.com/Luismorlan/communitymux/utils/dotenv"
	. "github.com/Luismorlan/communitymux/utils/flag"
	Logger "github.com/Luismorlan/communitymux/utils/log"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"
)

func datadogEnv() string {
	if dotenv.IsProdEnv() {
		return "production"
	}
	return "development"
}

// StartTracer starts the Datadog tracer. Only called from main in production,
// tests and local runs never start it.
func StartTracer() {
	tracer.Start(
		tracer.WithService(*ServiceName),
		tracer.WithEnv(datadogEnv()),
	)
	Logger.Log.Info("tracer initialized")
}

// Stop tracer, OK to be closed multiple times
func CloseTracer() {
	tracer.Stop()
}
