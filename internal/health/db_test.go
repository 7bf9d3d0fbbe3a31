package health

import (
	"context"
	"testing"

	"github.com/onnwee/guardrail/internal/db"
)

func TestDBChecker_HealthCheck(t *testing.T) {
	ctx := context.Background()
	database, err := db.OpenMemory(ctx)
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}

	checker := NewDBChecker(database.DB)
	if err := checker.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v, want nil", err)
	}

	_ = database.Close()
	if err := checker.HealthCheck(ctx); err == nil {
		t.Error("HealthCheck() after Close = nil, want error")
	}
}
