package remote

import (
	"errors"
	"fmt"
	"strings"
)

// EntityKind identifies one of the remote collections the client can page
// through.
type EntityKind string

const (
	// KindProject selects the remote project collection.
	KindProject EntityKind = "project"
	// KindTask selects the remote task collection.
	KindTask EntityKind = "task"
	// KindNote selects the remote note collection.
	KindNote EntityKind = "note"
)

// ErrInvalidEntityKind indicates a kind outside the supported collection set.
var ErrInvalidEntityKind = errors.New("remote: invalid entity kind")

// ParseEntityKind validates raw input and returns an EntityKind.
func ParseEntityKind(rawInput string) (EntityKind, error) {
	switch EntityKind(strings.ToLower(strings.TrimSpace(rawInput))) {
	case KindProject:
		return KindProject, nil
	case KindTask:
		return KindTask, nil
	case KindNote:
		return KindNote, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntityKind, rawInput)
}

// String returns the canonical kind name.
func (k EntityKind) String() string {
	return string(k)
}

// Kinds returns all entity kinds in sync order. Projects come first so
// task-to-project references resolve immediately after a full run.
func Kinds() []EntityKind {
	return []EntityKind{KindProject, KindTask, KindNote}
}

func (k EntityKind) collection() (string, error) {
	switch k {
	case KindProject:
		return "projects", nil
	case KindTask:
		return "tasks", nil
	case KindNote:
		return "notes", nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntityKind, string(k))
}
