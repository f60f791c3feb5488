// Package protocol defines the closed set of session messages and the
// newline-delimited JSON codec that frames them.
//
// Every record on the wire is one JSON object terminated by a newline, with
// the required fields message_type (matched case-insensitively against the
// closed set) and message_id (assigned by the sender at transmission time).
// Optional fields are omitted when absent, never emitted as null.
package protocol

import (
	"github.com/Blackilykat/PMP-Server/library"
)

// Type discriminates the message variants.
type Type string

const (
	TypeWelcome              Type = "WELCOME"
	TypeDisconnect           Type = "DISCONNECT"
	TypeError                Type = "ERROR"
	TypeLibraryAction        Type = "LIBRARY_ACTION"
	TypeLibraryActionRequest Type = "LIBRARY_ACTION_REQUEST"
	TypeLibraryHashes        Type = "LIBRARY_HASHES"
	TypeTest                 Type = "TEST"
)

// Message is one decoded wire message.
type Message interface {
	Type() Type
}

// Welcome is the first message the server sends on a new session. It carries
// the session's assigned client id and the current action counter so the
// client can catch up before comparing checksums.
type Welcome struct {
	ClientID       int    `json:"client_id"`
	LatestActionID uint64 `json:"latest_action_id"`
}

func (*Welcome) Type() Type { return TypeWelcome }

// Disconnect announces that the sending side is closing the session. The
// receiver can expect the sender to already be gone. ReconnectIn is the
// reconnect interval in seconds; absent means do not reconnect automatically.
type Disconnect struct {
	ReconnectIn *int `json:"reconnect_in,omitempty"`
}

func (*Disconnect) Type() Type { return TypeDisconnect }

// ErrorType states, broadly, what caused an error.
type ErrorType string

const (
	// ErrorTypeServer is an internal server error with no further detail.
	ErrorTypeServer ErrorType = "SERVER"
	// ErrorTypeFormat flags a record that could not be parsed at all.
	ErrorTypeFormat ErrorType = "MESSAGE_FORMAT"
	// ErrorTypeInvalidContents flags a well-formed record whose contents are
	// present but wrong.
	ErrorTypeInvalidContents ErrorType = "MESSAGE_INVALID_CONTENTS"
	// ErrorTypeMissingContents flags a well-formed record missing required
	// contents.
	ErrorTypeMissingContents ErrorType = "MESSAGE_MISSING_CONTENTS"
	// ErrorTypeBusy flags a request that cannot be served right now, such as a
	// second file-carrying mutation while one is in flight.
	ErrorTypeBusy ErrorType = "BUSY"
)

// ErrorAction tells the receiving client how to react to an error.
type ErrorAction string

const (
	// ErrorActionUnknown leaves the reaction up to the client.
	ErrorActionUnknown ErrorAction = "UNKNOWN"
	// ErrorActionRetry means retry the rejected request after SecondsToRetry.
	ErrorActionRetry ErrorAction = "RETRY"
	// ErrorActionDisconnect means disconnect and stay disconnected.
	ErrorActionDisconnect ErrorAction = "DISCONNECT"
	// ErrorActionReconnect means reconnect at intervals of SecondsToRetry.
	ErrorActionReconnect ErrorAction = "RECONNECT"
)

// Error reports a failure, usually in reply to an offending inbound record.
type Error struct {
	Info              string      `json:"info,omitempty"`
	SecondsToRetry    *int        `json:"seconds_to_retry,omitempty"`
	RelativeToMessage *uint64     `json:"relative_to_message,omitempty"`
	ErrorType         ErrorType   `json:"error_type"`
	Action            ErrorAction `json:"action"`
}

func (*Error) Type() Type { return TypeError }

// LibraryAction submits (client to server) or announces (server to client) one
// library mutation. For ADD and REPLACE the submitting client is expected to
// upload the file bytes on the transfer channel within the pending timeout;
// the action only commits once that transfer completes.
type LibraryAction struct {
	ActionType  library.ActionType     `json:"action_type"`
	ActionID    uint64                 `json:"action_id"`
	FileName    string                 `json:"file_name"`
	NewMetadata []library.MetadataPair `json:"new_metadata,omitempty"`
}

func (*LibraryAction) Type() Type { return TypeLibraryAction }

// Action converts the message into a library action originated by clientID.
func (m *LibraryAction) Action(clientID int) library.Action {
	return library.Action{
		ActionID:    m.ActionID,
		ClientID:    clientID,
		FileName:    m.FileName,
		Type:        m.ActionType,
		NewMetadata: m.NewMetadata,
	}
}

// ActionMessage converts a committed library action back into its wire form.
func ActionMessage(action library.Action) *LibraryAction {
	return &LibraryAction{
		ActionType:  action.Type,
		ActionID:    action.ActionID,
		FileName:    action.FileName,
		NewMetadata: action.NewMetadata,
	}
}

// LibraryActionRequest asks the server to replay every committed action from
// Start (inclusive) up to the current counter.
type LibraryActionRequest struct {
	Start uint64 `json:"start"`
}

func (*LibraryActionRequest) Type() Type { return TypeLibraryActionRequest }

// LibraryHashes carries every track's file name along with its checksum, sent
// once at connect so clients can detect a desynced library.
type LibraryHashes struct {
	Hashes map[string]uint64 `json:"hashes"`
}

func (*LibraryHashes) Type() Type { return TypeLibraryHashes }

// Test is a diagnostic no-op message.
type Test struct {
	ClientID int `json:"client_id"`
}

func (*Test) Type() Type { return TypeTest }
