package logging

import (
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func TestSetupReturnsParsableSessionID(t *testing.T) {
	id := Setup(false, int(zerolog.InfoLevel))
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("expected a valid uuid, got %q: %v", id, err)
	}
}

func TestSetupAppliesGlobalLevel(t *testing.T) {
	Setup(false, int(zerolog.WarnLevel))
	if zerolog.GlobalLevel() != zerolog.WarnLevel {
		t.Fatalf("expected global level %v, got %v", zerolog.WarnLevel, zerolog.GlobalLevel())
	}
}
