package config

import "testing"

func TestCutoffExplicitZero(t *testing.T) {
	cfg, err := FromYAML([]byte("workspace:\n  name: ws\nreconcile:\n  cutoff: 0\n"))
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.Cutoff(); got != 0 {
		t.Fatalf("cutoff = %v, want explicit 0", got)
	}
}

func TestCutoffDefaultsWhenUnset(t *testing.T) {
	cfg, err := FromYAML([]byte("workspace:\n  name: ws\n"))
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.Cutoff(); got != 0.85 {
		t.Fatalf("cutoff = %v, want default 0.85", got)
	}
	if got := Default("ws").Cutoff(); got != 0.85 {
		t.Fatalf("default config cutoff = %v", got)
	}
}

func TestCutoffOutOfRangeRejected(t *testing.T) {
	if _, err := FromYAML([]byte("workspace:\n  name: ws\nreconcile:\n  cutoff: 1.5\n")); err == nil {
		t.Fatal("cutoff above 1 accepted")
	}
}
