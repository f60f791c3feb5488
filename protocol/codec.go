package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Blackilykat/PMP-Server/library"
)

// FormatError reports a record that is not parseable JSON or not an object.
type FormatError struct {
	Err error
}

func (e *FormatError) Error() string { return "malformed message: " + e.Err.Error() }

func (e *FormatError) Unwrap() error { return e.Err }

// MissingContentsError reports a well-formed record missing a required field.
type MissingContentsError struct {
	Field string
}

func (e *MissingContentsError) Error() string {
	return fmt.Sprintf("missing %s field!", e.Field)
}

// InvalidContentsError reports a well-formed record whose contents are
// present but semantically wrong.
type InvalidContentsError struct {
	Reason string
}

func (e *InvalidContentsError) Error() string { return e.Reason }

// WireErrorType maps a decode failure to the error_type reported back to the
// offending client.
func WireErrorType(err error) ErrorType {
	var (
		format  *FormatError
		missing *MissingContentsError
		invalid *InvalidContentsError
	)
	switch {
	case errors.As(err, &format):
		return ErrorTypeFormat
	case errors.As(err, &missing):
		return ErrorTypeMissingContents
	case errors.As(err, &invalid):
		return ErrorTypeInvalidContents
	}
	return ErrorTypeServer
}

// Envelope is the part of a record shared by all variants. MessageID is nil
// when the record failed to parse far enough to read it.
type Envelope struct {
	MessageType string
	MessageID   *uint64
}

// decoders maps each discriminator to its variant decoder.
var decoders = map[Type]func([]byte) (Message, error){
	TypeWelcome:              decodeWelcome,
	TypeDisconnect:           decodeDisconnect,
	TypeError:                decodeError,
	TypeLibraryAction:        decodeLibraryAction,
	TypeLibraryActionRequest: decodeLibraryActionRequest,
	TypeLibraryHashes:        decodeLibraryHashes,
	TypeTest:                 decodeTest,
}

// Decode parses one newline-framed record into its message variant. The
// returned envelope carries whatever shared fields could be read, so error
// replies can reference the offending record even when decoding fails.
func Decode(line []byte) (Message, Envelope, error) {
	var env Envelope
	var aux struct {
		MessageType *string `json:"message_type"`
		MessageID   *uint64 `json:"message_id"`
	}
	if err := json.Unmarshal(line, &aux); err != nil {
		return nil, env, &FormatError{Err: err}
	}
	env.MessageID = aux.MessageID
	if aux.MessageType == nil {
		return nil, env, &MissingContentsError{Field: "message_type"}
	}
	env.MessageType = strings.ToUpper(*aux.MessageType)
	if aux.MessageID == nil {
		return nil, env, &MissingContentsError{Field: "message_id"}
	}
	decode, ok := decoders[Type(env.MessageType)]
	if !ok {
		return nil, env, &InvalidContentsError{
			Reason: fmt.Sprintf("unknown message_type '%s'", *aux.MessageType),
		}
	}
	msg, err := decode(line)
	if err != nil {
		return nil, env, err
	}
	return msg, env, nil
}

// Encode frames msg as a newline-terminated record stamped with id.
func Encode(msg Message, id uint64) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", msg.Type(), err)
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("reframe %s: %w", msg.Type(), err)
	}
	fields["message_type"], _ = json.Marshal(msg.Type())
	fields["message_id"], _ = json.Marshal(id)
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal %s record: %w", msg.Type(), err)
	}
	return append(out, '\n'), nil
}

// unmarshalVariant decodes variant fields, classifying a wrong-typed field as
// invalid contents rather than a format failure: the record itself was
// already established to be a well-formed object.
func unmarshalVariant(line []byte, v any) error {
	if err := json.Unmarshal(line, v); err != nil {
		return &InvalidContentsError{Reason: err.Error()}
	}
	return nil
}

func decodeWelcome(line []byte) (Message, error) {
	var aux struct {
		ClientID       *int    `json:"client_id"`
		LatestActionID *uint64 `json:"latest_action_id"`
	}
	if err := unmarshalVariant(line, &aux); err != nil {
		return nil, err
	}
	if aux.ClientID == nil {
		return nil, &MissingContentsError{Field: "client_id"}
	}
	if aux.LatestActionID == nil {
		return nil, &MissingContentsError{Field: "latest_action_id"}
	}
	if *aux.ClientID < 0 {
		return nil, &InvalidContentsError{Reason: "client_id must be greater or equal than 0"}
	}
	return &Welcome{ClientID: *aux.ClientID, LatestActionID: *aux.LatestActionID}, nil
}

func decodeDisconnect(line []byte) (Message, error) {
	var msg Disconnect
	if err := unmarshalVariant(line, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func decodeError(line []byte) (Message, error) {
	var aux struct {
		Info              string  `json:"info"`
		SecondsToRetry    *int    `json:"seconds_to_retry"`
		RelativeToMessage *uint64 `json:"relative_to_message"`
		ErrorType         *string `json:"error_type"`
		Action            *string `json:"action"`
	}
	if err := unmarshalVariant(line, &aux); err != nil {
		return nil, err
	}
	if aux.ErrorType == nil {
		return nil, &MissingContentsError{Field: "error_type"}
	}
	if aux.Action == nil {
		return nil, &MissingContentsError{Field: "action"}
	}
	errorType := ErrorType(*aux.ErrorType)
	switch errorType {
	case ErrorTypeServer, ErrorTypeFormat, ErrorTypeInvalidContents, ErrorTypeMissingContents, ErrorTypeBusy:
	default:
		return nil, &InvalidContentsError{Reason: fmt.Sprintf("unknown error_type '%s'", *aux.ErrorType)}
	}
	action := ErrorAction(*aux.Action)
	switch action {
	case ErrorActionUnknown, ErrorActionRetry, ErrorActionDisconnect, ErrorActionReconnect:
	default:
		return nil, &InvalidContentsError{Reason: fmt.Sprintf("unknown action '%s'", *aux.Action)}
	}
	return &Error{
		Info:              aux.Info,
		SecondsToRetry:    aux.SecondsToRetry,
		RelativeToMessage: aux.RelativeToMessage,
		ErrorType:         errorType,
		Action:            action,
	}, nil
}

func decodeLibraryAction(line []byte) (Message, error) {
	var aux struct {
		ActionType  *string             `json:"action_type"`
		ActionID    *uint64             `json:"action_id"`
		FileName    *string             `json:"file_name"`
		NewMetadata []libraryMetadataIn `json:"new_metadata"`
	}
	if err := unmarshalVariant(line, &aux); err != nil {
		return nil, err
	}
	if aux.ActionType == nil {
		return nil, &MissingContentsError{Field: "action_type"}
	}
	if aux.ActionID == nil {
		return nil, &MissingContentsError{Field: "action_id"}
	}
	if aux.FileName == nil {
		return nil, &MissingContentsError{Field: "file_name"}
	}
	actionType := library.ActionType(*aux.ActionType)
	if !actionType.Valid() {
		return nil, &InvalidContentsError{Reason: fmt.Sprintf("unknown action_type '%s'", *aux.ActionType)}
	}
	msg := &LibraryAction{ActionType: actionType, ActionID: *aux.ActionID, FileName: *aux.FileName}
	if actionType == library.ActionChangeMetadata {
		if aux.NewMetadata == nil {
			return nil, &MissingContentsError{Field: "new_metadata"}
		}
		for _, entry := range aux.NewMetadata {
			if entry.Key == nil {
				return nil, &MissingContentsError{Field: "new_metadata.key"}
			}
			if entry.Value == nil {
				return nil, &MissingContentsError{Field: "new_metadata.value"}
			}
			msg.NewMetadata = append(msg.NewMetadata, library.MetadataPair{Key: *entry.Key, Value: *entry.Value})
		}
	}
	return msg, nil
}

func decodeLibraryActionRequest(line []byte) (Message, error) {
	var aux struct {
		Start *uint64 `json:"start"`
	}
	if err := unmarshalVariant(line, &aux); err != nil {
		return nil, err
	}
	if aux.Start == nil {
		return nil, &MissingContentsError{Field: "start"}
	}
	return &LibraryActionRequest{Start: *aux.Start}, nil
}

func decodeLibraryHashes(line []byte) (Message, error) {
	var aux struct {
		Hashes map[string]uint64 `json:"hashes"`
	}
	if err := unmarshalVariant(line, &aux); err != nil {
		return nil, err
	}
	if aux.Hashes == nil {
		return nil, &MissingContentsError{Field: "hashes"}
	}
	return &LibraryHashes{Hashes: aux.Hashes}, nil
}

func decodeTest(line []byte) (Message, error) {
	var msg Test
	if err := unmarshalVariant(line, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

type libraryMetadataIn struct {
	Key   *string `json:"key"`
	Value *string `json:"value"`
}
