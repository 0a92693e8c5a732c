package version

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestPseudoVersionFromSettings(t *testing.T) {
	got := pseudoVersion([]debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef0123"},
		{Key: "vcs.time", Value: "2026-03-04T05:06:07Z"},
		{Key: "vcs.modified", Value: "true"},
	})
	want := "v0.0.0-20260304050607-0123456789ab+dirty"
	if got != want {
		t.Fatalf("pseudoVersion = %q, want %q", got, want)
	}
}

func TestPseudoVersionRequiresRevisionAndTime(t *testing.T) {
	if got := pseudoVersion([]debug.BuildSetting{{Key: "vcs.revision", Value: "abc"}}); got != "" {
		t.Fatalf("expected empty pseudo version, got %q", got)
	}
}

func TestAgentUsesCurrentVersion(t *testing.T) {
	agent := Agent()
	if !strings.HasPrefix(agent, "gitd/") {
		t.Fatalf("unexpected agent %q", agent)
	}
	if strings.Contains(agent, "/v") {
		t.Fatalf("agent should not carry the v prefix: %q", agent)
	}
}
