package server

import (
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/Blackilykat/PMP-Server/library"
	"github.com/Blackilykat/PMP-Server/pending"
	"github.com/Blackilykat/PMP-Server/protocol"
)

// dispatch handles one inbound record. A record that fails to decode or to
// validate is answered with a typed error referencing the offending message
// id; the session itself always survives and keeps dispatching.
func (srv *Server) dispatch(s *Session, line []byte) {
	msg, env, err := protocol.Decode(line)
	if err != nil {
		messagesReceived.WithLabelValues("invalid").Inc()
		srv.replyError(s, &protocol.Error{
			Info:              err.Error(),
			RelativeToMessage: env.MessageID,
			ErrorType:         protocol.WireErrorType(err),
			Action:            protocol.ErrorActionUnknown,
		})
		return
	}
	messagesReceived.WithLabelValues(string(msg.Type())).Inc()
	s.logger.Debug("received message", zap.String("message_type", string(msg.Type())))

	switch m := msg.(type) {
	case *protocol.Welcome:
		srv.replyError(s, &protocol.Error{
			Info:              "Clients cannot send welcome messages!",
			RelativeToMessage: env.MessageID,
			ErrorType:         protocol.ErrorTypeInvalidContents,
			Action:            protocol.ErrorActionUnknown,
		})
	case *protocol.Disconnect:
		s.Close()
	case *protocol.Error:
		s.logger.Warn("client reported error",
			zap.String("error_type", string(m.ErrorType)),
			zap.String("info", m.Info),
		)
	case *protocol.LibraryHashes:
		// reconciling client-sent hashes is not implemented yet
		s.logger.Debug("ignoring library hashes message")
	case *protocol.Test:
		s.logger.Debug("received test message", zap.Int("test_client_id", m.ClientID))
	case *protocol.LibraryActionRequest:
		srv.handleActionRequest(s, env, m)
	case *protocol.LibraryAction:
		srv.handleLibraryAction(s, env, m)
	}
}

// handleActionRequest replays every committed action from the requested start
// up to the current counter, in ascending id order.
func (srv *Server) handleActionRequest(s *Session, env protocol.Envelope, m *protocol.LibraryActionRequest) {
	actions, err := srv.store.ReplayFrom(m.Start)
	if err != nil {
		var outOfRange *library.OutOfRangeError
		if errors.As(err, &outOfRange) {
			srv.replyError(s, &protocol.Error{
				Info:              outOfRange.Error(),
				RelativeToMessage: env.MessageID,
				ErrorType:         protocol.ErrorTypeInvalidContents,
				Action:            protocol.ErrorActionUnknown,
			})
			return
		}
		srv.serverError(s, env, err)
		return
	}
	for i := range actions {
		s.Send(protocol.ActionMessage(actions[i]))
	}
}

// handleLibraryAction admits one submitted mutation. The submitted action id
// must equal the current counter exactly; a mismatch is rejected with a
// reconnect instruction rather than reordered or buffered, since accepting it
// would leave the log with a gap or an ambiguous order.
func (srv *Server) handleLibraryAction(s *Session, env protocol.Envelope, m *protocol.LibraryAction) {
	current, err := srv.store.CurrentActionID()
	if err != nil {
		srv.serverError(s, env, err)
		return
	}
	if m.ActionID != current {
		retry := 0
		srv.replyError(s, &protocol.Error{
			Info:              fmt.Sprintf("Unexpected action ID! received: %d, expected: %d", m.ActionID, current),
			SecondsToRetry:    &retry,
			RelativeToMessage: env.MessageID,
			ErrorType:         protocol.ErrorTypeInvalidContents,
			Action:            protocol.ErrorActionReconnect,
		})
		return
	}
	if err := library.ValidateFileName(m.FileName); err != nil {
		srv.replyError(s, &protocol.Error{
			Info:              err.Error(),
			RelativeToMessage: env.MessageID,
			ErrorType:         protocol.ErrorTypeInvalidContents,
			Action:            protocol.ErrorActionUnknown,
		})
		return
	}

	switch m.ActionType {
	case library.ActionAdd, library.ActionReplace:
		srv.handleFileCarryingAction(s, env, m)
	case library.ActionChangeMetadata:
		// TODO implement metadata changes before beta
		srv.replyError(s, &protocol.Error{
			Info:              "The server does not support changing metadata yet! :(",
			RelativeToMessage: env.MessageID,
			ErrorType:         protocol.ErrorTypeInvalidContents,
			Action:            protocol.ErrorActionUnknown,
		})
	case library.ActionRemove:
		srv.handleRemove(s, env, m)
	}
}

// handleFileCarryingAction claims the pending-action slot. On acceptance the
// client is expected to upload the bytes on the transfer channel; the action
// commits to the log only when that transfer completes.
func (srv *Server) handleFileCarryingAction(s *Session, env protocol.Envelope, m *protocol.LibraryAction) {
	if err := srv.coord.Propose(m.Action(s.clientID)); err != nil {
		var busy *pending.BusyError
		if errors.As(err, &busy) {
			retry := busy.SecondsToRetry
			srv.replyError(s, &protocol.Error{
				Info:              "Another client is trying to modify the library right now.",
				SecondsToRetry:    &retry,
				RelativeToMessage: env.MessageID,
				ErrorType:         protocol.ErrorTypeBusy,
				Action:            protocol.ErrorActionRetry,
			})
			return
		}
		srv.serverError(s, env, err)
	}
}

// handleRemove deletes the file and commits the action. Removing a file that
// does not exist neither advances the counter nor produces a broadcast.
func (srv *Server) handleRemove(s *Session, env protocol.Envelope, m *protocol.LibraryAction) {
	if err := srv.fs.Remove(filepath.Join(srv.libraryRoot, m.FileName)); err != nil {
		srv.replyError(s, &protocol.Error{
			Info:              fmt.Sprintf("Track %s does not exist!", m.FileName),
			RelativeToMessage: env.MessageID,
			ErrorType:         protocol.ErrorTypeInvalidContents,
			Action:            protocol.ErrorActionUnknown,
		})
		return
	}
	action := m.Action(s.clientID)
	if _, err := srv.store.Append(action); err != nil {
		srv.serverError(s, env, err)
		return
	}
	actionsCommitted.WithLabelValues(string(action.Type)).Inc()
	srv.registry.BroadcastExcept(protocol.ActionMessage(action), s.clientID)
}

func (srv *Server) replyError(s *Session, errMsg *protocol.Error) {
	errorsSent.WithLabelValues(string(errMsg.ErrorType)).Inc()
	s.Send(errMsg)
}

func (srv *Server) serverError(s *Session, env protocol.Envelope, err error) {
	s.logger.Error("internal error handling message", zap.Error(err))
	srv.replyError(s, &protocol.Error{
		RelativeToMessage: env.MessageID,
		ErrorType:         protocol.ErrorTypeServer,
		Action:            protocol.ErrorActionUnknown,
	})
}
