package server

import (
	"bufio"
	"bytes"
	"errors"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/Blackilykat/PMP-Server/protocol"
)

const (
	// sendQueueSize bounds the outbound queue of one session. A slow reader
	// backpressures its own senders, never other sessions.
	sendQueueSize = 256
	// maxRecordSize caps one inbound record.
	maxRecordSize = 1 << 20
)

// Session is one client's live connection. A dedicated sender goroutine
// drains the outbound queue and stamps each message with the next sequential
// outbound id at the moment it is written; a dedicated receiver reads inbound
// records and dispatches them one at a time. The two run concurrently with
// every other session's goroutines.
type Session struct {
	clientID  int
	conn      net.Conn
	logger    *zap.Logger
	queue     chan protocol.Message
	closed    chan struct{}
	closeOnce sync.Once
	onClose   func(*Session)
}

func newSession(clientID int, conn net.Conn, logger *zap.Logger, onClose func(*Session)) *Session {
	return &Session{
		clientID: clientID,
		conn:     conn,
		logger:   logger.With(zap.Int("client_id", clientID)),
		queue:    make(chan protocol.Message, sendQueueSize),
		closed:   make(chan struct{}),
		onClose:  onClose,
	}
}

// ClientID returns the session's assigned client id. Ids are handed out
// sequentially at accept time and never reused within the process lifetime.
func (s *Session) ClientID() int {
	return s.clientID
}

func (s *Session) start(dispatch func(*Session, []byte)) {
	go s.sendLoop()
	go s.receiveLoop(dispatch)
}

// Send queues msg for delivery. Messages queued by one goroutine are written
// in queue order. Send never blocks: a closed session discards the message,
// and a session whose queue is full has stopped draining it, so the message
// is dropped rather than letting that session stall its senders.
func (s *Session) Send(msg protocol.Message) {
	select {
	case s.queue <- msg:
	case <-s.closed:
	default:
		messagesDropped.WithLabelValues(string(msg.Type())).Inc()
		s.logger.Warn("dropping message for slow session",
			zap.String("message_type", string(msg.Type())))
	}
}

// Close tears the session down exactly once: the connection is closed, both
// loops stop, and the registry is notified. Safe to call from any goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
		if s.onClose != nil {
			s.onClose(s)
		}
		s.logger.Info("session disconnected")
	})
}

func (s *Session) sendLoop() {
	w := bufio.NewWriter(s.conn)
	var nextID uint64
	for {
		select {
		case <-s.closed:
			return
		case msg := <-s.queue:
			if errMsg, ok := msg.(*protocol.Error); ok {
				s.logger.Warn("sending error to client",
					zap.String("error_type", string(errMsg.ErrorType)),
					zap.String("error_action", string(errMsg.Action)),
					zap.String("info", errMsg.Info),
				)
			}
			line, err := protocol.Encode(msg, nextID)
			if err != nil {
				s.logger.Error("failed to encode message",
					zap.String("message_type", string(msg.Type())), zap.Error(err))
				continue
			}
			if _, err := w.Write(line); err != nil {
				s.Close()
				return
			}
			if err := w.Flush(); err != nil {
				s.Close()
				return
			}
			nextID++
			messagesSent.WithLabelValues(string(msg.Type())).Inc()
			// sending a disconnect ends the session
			if _, ok := msg.(*protocol.Disconnect); ok {
				s.Close()
				return
			}
		}
	}
}

func (s *Session) receiveLoop(dispatch func(*Session, []byte)) {
	defer s.Close()
	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		dispatch(s, line)
		select {
		case <-s.closed:
			return
		default:
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Warn("session read failed", zap.Error(err))
	}
}
