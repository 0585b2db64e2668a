package schemas

import "strings"

// -- Common Schemas --

// ErrorOutcomePrefix marks an executor outcome as a failed interaction.
const ErrorOutcomePrefix = "ERROR:"

// ErrorOutcome formats a failed interaction outcome.
func ErrorOutcome(msg string) string {
	return ErrorOutcomePrefix + " " + msg
}

// IsErrorOutcome reports whether an executor outcome describes a failure.
func IsErrorOutcome(outcome string) bool {
	return strings.HasPrefix(outcome, ErrorOutcomePrefix)
}

// OutcomeError strips the error marker from a failed outcome.
func OutcomeError(outcome string) string {
	return strings.TrimSpace(strings.TrimPrefix(outcome, ErrorOutcomePrefix))
}
