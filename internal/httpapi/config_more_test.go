package httpapi

import (
	"testing"
	"time"

	"compiled/internal/config"
)

func TestSetMaxBodyBytes_DefaultWhenNonPositive(t *testing.T) {
	SetMaxBodyBytes(-1)
	if maxBodyBytes != defaultMaxBodyBytes {
		t.Fatalf("expected default, got %d", maxBodyBytes)
	}
	SetMaxBodyBytes(0)
	if maxBodyBytes != defaultMaxBodyBytes {
		t.Fatalf("expected default on zero, got %d", maxBodyBytes)
	}
}

func TestSetMaxBodyBytes_PositiveSetsValue(t *testing.T) {
	SetMaxBodyBytes(1234)
	defer SetMaxBodyBytes(0)
	if maxBodyBytes != 1234 {
		t.Fatalf("expected 1234, got %d", maxBodyBytes)
	}
}

func TestSetCompileTimeout_NormalizesNegativeToZero(t *testing.T) {
	SetCompileTimeout(-5 * time.Second)
	if compileTimeout != 0 {
		t.Fatalf("expected 0, got %s", compileTimeout)
	}
	SetCompileTimeout(3 * time.Second)
	defer SetCompileTimeout(0)
	if compileTimeout != 3*time.Second {
		t.Fatalf("expected 3s, got %s", compileTimeout)
	}
}

func TestSetCORSOptions_CopiesSlices(t *testing.T) {
	origins := []string{"http://a"}
	SetCORSOptions(config.CORSConfig{Enabled: true, Origins: origins})
	defer SetCORSOptions(config.CORSConfig{})
	origins[0] = "http://b"
	if corsOptions.Origins[0] != "http://a" {
		t.Fatalf("origins aliased caller slice: %v", corsOptions.Origins)
	}
}
