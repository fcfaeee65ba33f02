package schema

import (
	"strings"

	"github.com/google/uuid"
)

// NormalizeExecutionID validates an execution identifier. Backend ids are
// UUIDs; the canonical lower-case form is returned.
func NormalizeExecutionID(value string) (ExecutionID, error) {
	id, err := normalizeUUID(value)
	if err != nil {
		return "", err
	}
	return ExecutionID(id), nil
}

// NormalizeCrewID validates a crew identifier.
func NormalizeCrewID(value string) (CrewID, error) {
	id, err := normalizeUUID(value)
	if err != nil {
		return "", err
	}
	return CrewID(id), nil
}

func normalizeUUID(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", ErrInvalidTarget
	}
	parsed, err := uuid.Parse(trimmed)
	if err != nil {
		return "", ErrInvalidTarget
	}
	return parsed.String(), nil
}

// ParseTarget validates value as an identifier of kind and returns the
// stream target.
func ParseTarget(kind TargetKind, value string) (Target, error) {
	switch kind {
	case TargetExecution:
		id, err := NormalizeExecutionID(value)
		if err != nil {
			return Target{}, err
		}
		return ExecutionTarget(id), nil
	case TargetCrew:
		id, err := NormalizeCrewID(value)
		if err != nil {
			return Target{}, err
		}
		return CrewTarget(id), nil
	default:
		return Target{}, ErrInvalidTarget
	}
}
