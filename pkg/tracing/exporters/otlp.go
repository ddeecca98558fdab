package exporters

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// OTLPConfig holds configuration for the OTLP exporter
type OTLPConfig struct {
	// Endpoint is the collector address, e.g. "localhost:4317" for gRPC or "localhost:4318" for HTTP
	Endpoint string

	// Protocol is either "grpc" or "http"
	Protocol string

	Insecure bool
	Headers  map[string]string
	Timeout  time.Duration
}

// NewOTLPExporter creates a new OTLP trace exporter
func NewOTLPExporter(ctx context.Context, config OTLPConfig) (*otlptrace.Exporter, error) {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	switch config.Protocol {
	case "grpc", "":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(config.Endpoint),
			otlptracegrpc.WithTimeout(config.Timeout),
		}
		if config.Insecure {
			opts = append(opts,
				otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
				otlptracegrpc.WithInsecure(),
			)
		}
		if len(config.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(config.Headers))
		}
		return otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(config.Endpoint),
			otlptracehttp.WithTimeout(config.Timeout),
		}
		if config.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(config.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(config.Headers))
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol: %s (use 'grpc' or 'http')", config.Protocol)
	}
}
