package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/completion-gateway/config"
)

func TestInitTracer_None(t *testing.T) {
	shutdown, err := InitTracer("test", &config.Config{OTELExporterType: "none"})
	if err != nil {
		t.Fatalf("InitTracer() error = %v", err)
	}
	defer shutdown()

	_, span := otel.GetTracerProvider().Tracer("test").Start(context.Background(), "op")
	span.End()
}

func TestInitTracer_Stdout(t *testing.T) {
	shutdown, err := InitTracer("test", &config.Config{OTELExporterType: "stdout"})
	if err != nil {
		t.Fatalf("InitTracer() error = %v", err)
	}
	shutdown()
}
