// Package svcfields holds the structured log keys shared across gitd
// subsystems.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

const (
	// SubsystemKey tags the emitting subsystem.
	SubsystemKey = pslog.TrustedString("sys")
	// RepositoryKey tags the repository key (canonical path).
	RepositoryKey = pslog.TrustedString("repo")
	// SessionKey tags the daemon session id.
	SessionKey = pslog.TrustedString("session")
)

// Subsystem joins non-empty parts with dots.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		filtered = append(filtered, part)
	}
	return strings.Join(filtered, ".")
}

// Ensure returns logger, or a disabled logger when it is nil.
func Ensure(logger pslog.Logger) pslog.Logger {
	if logger == nil {
		return pslog.NoopLogger()
	}
	return logger
}

// WithSubsystem attaches a subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	logger = Ensure(logger)
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// WithRepository attaches the repository key.
func WithRepository(logger pslog.Logger, key string) pslog.Logger {
	logger = Ensure(logger)
	if key == "" {
		return logger
	}
	return logger.With(RepositoryKey, key)
}
