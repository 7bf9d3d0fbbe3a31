package tracing

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewProvider_Disabled(t *testing.T) {
	provider, err := NewProvider(Config{ServiceName: "guardrail", Enabled: false})
	if err != nil {
		t.Fatalf("expected no error for disabled tracing, got %v", err)
	}
	if provider.IsEnabled() {
		t.Error("expected tracing to be disabled")
	}
	// Disabled providers still hand out (no-op) tracers and shut down cleanly.
	if provider.Tracer("guardrail") == nil {
		t.Error("expected non-nil tracer")
	}
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Errorf("unexpected shutdown error: %v", err)
	}
}

func TestNewProvider_InvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{
			name:    "missing service name",
			cfg:     Config{Enabled: true, SamplingRate: 0.1},
			wantErr: ErrMissingServiceName,
		},
		{
			name:    "negative sampling rate",
			cfg:     Config{ServiceName: "guardrail", Enabled: true, SamplingRate: -0.1},
			wantErr: ErrInvalidSamplingRate,
		},
		{
			name:    "sampling rate above one",
			cfg:     Config{ServiceName: "guardrail", Enabled: true, SamplingRate: 1.5},
			wantErr: ErrInvalidSamplingRate,
		},
		{
			name:    "unsupported exporter",
			cfg:     Config{ServiceName: "guardrail", Enabled: true, ExporterType: "zipkin", SamplingRate: 1},
			wantErr: ErrUnsupportedExporter,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProvider(tt.cfg)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("NewProvider() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewProvider_Enabled(t *testing.T) {
	for _, exporter := range []string{ExporterOTLPHTTP, ExporterOTLPGRPC} {
		t.Run(exporter, func(t *testing.T) {
			provider, err := NewProvider(Config{
				ServiceName:    "guardrail",
				ServiceVersion: "1.2.3",
				Enabled:        true,
				Environment:    "test",
				ExporterType:   exporter,
				SamplingRate:   0.5,
				InsecureMode:   true,
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !provider.IsEnabled() {
				t.Error("expected tracing to be enabled")
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := provider.Shutdown(ctx); err != nil {
				t.Errorf("unexpected shutdown error: %v", err)
			}
		})
	}
}

func TestSamplerFor(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{1.0, "AlwaysOnSampler"},
		{0.0, "AlwaysOffSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		if got := samplerFor(tt.rate).Description(); got != tt.want {
			t.Errorf("samplerFor(%v) = %q, want %q", tt.rate, got, tt.want)
		}
	}
}
