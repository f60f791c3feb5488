// Package library holds the shared music library state: the durable, gap-free
// log of committed mutations and the checksum scan of the library root.
package library

import (
	"fmt"
	"strings"
)

// ActionType identifies the kind of library mutation an Action performs.
type ActionType string

const (
	// ActionAdd adds a new track to the library. The file bytes arrive on the
	// transfer channel after the action is accepted.
	ActionAdd ActionType = "ADD"
	// ActionRemove removes a track from the library.
	ActionRemove ActionType = "REMOVE"
	// ActionReplace swaps a track's file for another one, keeping its identity
	// (for example a higher quality version of the same song).
	ActionReplace ActionType = "REPLACE"
	// ActionChangeMetadata rewrites a track's tags while keeping the audio
	// data untouched.
	ActionChangeMetadata ActionType = "CHANGE_METADATA"
)

// Valid reports whether t is one of the known action types.
func (t ActionType) Valid() bool {
	switch t {
	case ActionAdd, ActionRemove, ActionReplace, ActionChangeMetadata:
		return true
	}
	return false
}

// CarriesFile reports whether the action moves file bytes over the transfer
// channel and therefore needs single-writer arbitration.
func (t ActionType) CarriesFile() bool {
	return t == ActionAdd || t == ActionReplace
}

// MetadataPair is one ordered key/value entry of a CHANGE_METADATA action.
// Keys may repeat (multiple artists for one track).
type MetadataPair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Action is one committed library mutation. Once appended to the log it is
// immutable and addressable only by its id.
type Action struct {
	ActionID uint64     `json:"action_id"`
	ClientID int        `json:"client_id"`
	FileName string     `json:"file_name"`
	Type     ActionType `json:"action_type"`
	// NewMetadata is present only for CHANGE_METADATA.
	NewMetadata []MetadataPair `json:"new_metadata,omitempty"`
}

// ValidateFileName rejects names that could escape the library root.
func ValidateFileName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("empty file name")
	case strings.HasPrefix(name, "/"):
		return fmt.Errorf("absolute file name %q", name)
	case strings.ContainsRune(name, '\\'):
		return fmt.Errorf("file name %q contains a backslash", name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return fmt.Errorf("file name %q escapes the library root", name)
		}
	}
	return nil
}
