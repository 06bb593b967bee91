package config

import (
	"testing"

	"github.com/tcmur-go/tcmur/internal/devtable"
	"github.com/tcmur-go/tcmur/internal/registry"
)

func TestRegistryCapacityDefaultsWhenUnset(t *testing.T) {
	c := &Config{}
	if got := c.RegistryCapacity(); got != registry.DefaultCapacity {
		t.Fatalf("expected default %d, got %d", registry.DefaultCapacity, got)
	}
}

func TestRegistryCapacityHonorsOverride(t *testing.T) {
	c := &Config{MaxHandlers: 12}
	if got := c.RegistryCapacity(); got != 12 {
		t.Fatalf("expected 12, got %d", got)
	}
}

func TestDevtableCapacityDefaultsWhenUnset(t *testing.T) {
	c := &Config{}
	if got := c.DevtableCapacity(); got != devtable.DefaultCapacity {
		t.Fatalf("expected default %d, got %d", devtable.DefaultCapacity, got)
	}
}

func TestDevtableCapacityHonorsOverride(t *testing.T) {
	c := &Config{MaxMinors: 3}
	if got := c.DevtableCapacity(); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
}
