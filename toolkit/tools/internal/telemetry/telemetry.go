// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package telemetry

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/logger"
	"github.com/microsoft/arm-image-installer/toolkit/tools/internal/osinfo"
	autoexport "go.opentelemetry.io/contrib/exporters/autoexport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

const (
	serviceName = "armimageinstaller"

	// Telemetry is only exported when the standard OTLP endpoint variable is set.
	otlpEndpointEnvVar = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

var tracerProvider *sdktrace.TracerProvider

// InitTelemetry installs a batching trace exporter configured from the OTEL_* environment. Spans started
// before this, or when it installs nothing, go to the global no-op provider.
func InitTelemetry(disableTelemetry bool, toolVersion string) error {
	switch {
	case disableTelemetry:
		logger.Log.Info("Disabled telemetry collection")
		return nil

	case os.Getenv(otlpEndpointEnvVar) == "":
		logger.Log.Debugf("%s is not set, telemetry will not be collected", otlpEndpointEnvVar)
		return nil
	}

	exporter, err := autoexport.NewSpanExporter(context.Background())
	if err != nil {
		return fmt.Errorf("failed to create OTLP exporter:\n%w", err)
	}

	res, err := newResource(toolVersion, "/")
	if err != nil {
		logger.Log.Debugf("Using partial telemetry resource:\n%v", err)
	}

	tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracerProvider)
	return nil
}

// newResource describes this tool and the host it runs on, whose os-release is read from hostRoot.
func newResource(toolVersion string, hostRoot string) (*resource.Resource, error) {
	attributes := []attribute.KeyValue{
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(toolVersion),
		attribute.String("host.architecture", runtime.GOARCH),
	}

	release, err := osinfo.ReadOsRelease(hostRoot)
	if err == nil {
		attributes = append(attributes,
			attribute.String("host.os", release.Name),
			attribute.String("host.os.version", release.Version),
		)
	}

	// Schemaless, so the merge can't conflict with the default resource's schema URL.
	res, mergeErr := resource.Merge(resource.Default(), resource.NewSchemaless(attributes...))
	if mergeErr != nil {
		return resource.NewSchemaless(attributes...), mergeErr
	}

	return res, err
}

// ShutdownTelemetry flushes pending spans and stops the exporter.
func ShutdownTelemetry(ctx context.Context) error {
	if tracerProvider == nil {
		return nil
	}

	err := tracerProvider.ForceFlush(ctx)
	if err != nil {
		logger.Log.Warnf("Failed to flush telemetry spans:\n%v", err)
	}

	err = tracerProvider.Shutdown(ctx)
	tracerProvider = nil
	return err
}
