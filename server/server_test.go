package server_test

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Blackilykat/PMP-Server/database"
	"github.com/Blackilykat/PMP-Server/library"
	"github.com/Blackilykat/PMP-Server/pending"
	"github.com/Blackilykat/PMP-Server/protocol"
	"github.com/Blackilykat/PMP-Server/server"
)

type fixture struct {
	store    *library.Store
	coord    *pending.Coordinator
	registry *server.Registry
	fs       afero.Fs
	addr     string
}

func startServer(t *testing.T) *fixture {
	t.Helper()
	db := database.NewMemDatabase()
	t.Cleanup(db.Close)
	f := &fixture{
		store:    library.NewStore(db),
		coord:    pending.New(pending.WithClock(clockwork.NewFakeClock())),
		registry: server.NewRegistry(),
		fs:       afero.NewMemMapFs(),
	}
	require.NoError(t, f.fs.MkdirAll("library", 0o755))
	srv := server.New(f.store, f.coord, f.registry, "library",
		server.WithLogger(zaptest.NewLogger(t)),
		server.WithFilesystem(f.fs),
	)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f.addr = ln.Addr().String()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return f
}

type testClient struct {
	clientID int
	conn     net.Conn
	scanner  *bufio.Scanner
	nextID   uint64
}

func (f *fixture) dial(t *testing.T) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", f.addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &testClient{clientID: -1, conn: conn, scanner: scanner}
}

func (c *testClient) send(t *testing.T, msg protocol.Message) {
	t.Helper()
	line, err := protocol.Encode(msg, c.nextID)
	require.NoError(t, err)
	c.nextID++
	_, err = c.conn.Write(line)
	require.NoError(t, err)
}

func (c *testClient) sendRaw(t *testing.T, line string) {
	t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func (c *testClient) recv(t *testing.T) (protocol.Message, protocol.Envelope) {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.True(t, c.scanner.Scan(), "expected a message, got error: %v", c.scanner.Err())
	msg, env, err := protocol.Decode(c.scanner.Bytes())
	require.NoError(t, err)
	return msg, env
}

func (c *testClient) recvError(t *testing.T) *protocol.Error {
	t.Helper()
	msg, _ := c.recv(t)
	require.IsType(t, &protocol.Error{}, msg)
	return msg.(*protocol.Error)
}

// expectSilence asserts that nothing arrives within a short window. The
// scanner is unusable afterwards, so only call it at the end of a test.
func (c *testClient) expectSilence(t *testing.T) {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	require.False(t, c.scanner.Scan(), "expected no message, got: %s", c.scanner.Text())
	require.True(t, errors.Is(c.scanner.Err(), os.ErrDeadlineExceeded),
		"expected a read timeout, got: %v", c.scanner.Err())
}

// handshake consumes the three connect-time messages: the welcome, the test
// broadcast triggered by this client's own connect, and the hash snapshot.
func (c *testClient) handshake(t *testing.T) (*protocol.Welcome, *protocol.LibraryHashes) {
	t.Helper()
	msg, env := c.recv(t)
	require.IsType(t, &protocol.Welcome{}, msg)
	require.NotNil(t, env.MessageID)
	require.Equal(t, uint64(0), *env.MessageID)
	welcome := msg.(*protocol.Welcome)
	c.clientID = welcome.ClientID

	msg, env = c.recv(t)
	require.IsType(t, &protocol.Test{}, msg)
	require.Equal(t, uint64(1), *env.MessageID)
	require.Equal(t, c.clientID, msg.(*protocol.Test).ClientID)

	msg, env = c.recv(t)
	require.IsType(t, &protocol.LibraryHashes{}, msg)
	require.Equal(t, uint64(2), *env.MessageID)
	return welcome, msg.(*protocol.LibraryHashes)
}

func TestConnectSequence(t *testing.T) {
	f := startServer(t)
	require.NoError(t, afero.WriteFile(f.fs, "library/track.flac", []byte("flac bytes"), 0o644))

	c := f.dial(t)
	welcome, hashes := c.handshake(t)
	require.Equal(t, 0, welcome.ClientID)
	require.Equal(t, uint64(0), welcome.LatestActionID)
	require.Contains(t, hashes.Hashes, "track.flac")

	want, err := library.Hashes(f.fs, "library")
	require.NoError(t, err)
	require.Equal(t, want, hashes.Hashes)
}

func TestClientIDsAreSequential(t *testing.T) {
	f := startServer(t)

	a := f.dial(t)
	welcomeA, _ := a.handshake(t)
	b := f.dial(t)
	welcomeB, _ := b.handshake(t)
	require.Equal(t, 0, welcomeA.ClientID)
	require.Equal(t, 1, welcomeB.ClientID)

	// a is told about b's connect
	msg, _ := a.recv(t)
	require.IsType(t, &protocol.Test{}, msg)
	require.Equal(t, 1, msg.(*protocol.Test).ClientID)
}

func TestMalformedRecordKeepsSessionAlive(t *testing.T) {
	f := startServer(t)
	c := f.dial(t)
	c.handshake(t)

	c.sendRaw(t, "{not json")
	errMsg := c.recvError(t)
	require.Equal(t, protocol.ErrorTypeFormat, errMsg.ErrorType)
	require.Equal(t, protocol.ErrorActionUnknown, errMsg.Action)
	require.Nil(t, errMsg.RelativeToMessage)

	// the session survives and keeps answering
	c.send(t, &protocol.Welcome{ClientID: 3, LatestActionID: 0})
	errMsg = c.recvError(t)
	require.Equal(t, protocol.ErrorTypeInvalidContents, errMsg.ErrorType)
	require.Equal(t, "Clients cannot send welcome messages!", errMsg.Info)
	require.NotNil(t, errMsg.RelativeToMessage)
	require.Equal(t, uint64(0), *errMsg.RelativeToMessage)
}

func TestMissingFieldError(t *testing.T) {
	f := startServer(t)
	c := f.dial(t)
	c.handshake(t)

	c.sendRaw(t, `{"message_type":"LIBRARY_ACTION","message_id":0,"action_type":"ADD"}`)
	errMsg := c.recvError(t)
	require.Equal(t, protocol.ErrorTypeMissingContents, errMsg.ErrorType)
	require.Equal(t, "missing action_id field!", errMsg.Info)
	require.NotNil(t, errMsg.RelativeToMessage)
	require.Equal(t, uint64(0), *errMsg.RelativeToMessage)
}

func TestOutOfOrderActionTriggersReconnect(t *testing.T) {
	f := startServer(t)
	c := f.dial(t)
	c.handshake(t)

	c.send(t, &protocol.LibraryAction{
		ActionType: library.ActionRemove,
		ActionID:   5,
		FileName:   "track.flac",
	})
	errMsg := c.recvError(t)
	require.Equal(t, protocol.ErrorTypeInvalidContents, errMsg.ErrorType)
	require.Equal(t, protocol.ErrorActionReconnect, errMsg.Action)
	require.NotNil(t, errMsg.SecondsToRetry)
	require.Equal(t, 0, *errMsg.SecondsToRetry)
	require.Equal(t, "Unexpected action ID! received: 5, expected: 0", errMsg.Info)
}

func TestRemoveCommitsAndBroadcasts(t *testing.T) {
	f := startServer(t)
	require.NoError(t, afero.WriteFile(f.fs, "library/track.flac", []byte("flac bytes"), 0o644))

	a := f.dial(t)
	a.handshake(t)
	b := f.dial(t)
	b.handshake(t)
	msg, _ := a.recv(t)
	require.IsType(t, &protocol.Test{}, msg)

	a.send(t, &protocol.LibraryAction{
		ActionType: library.ActionRemove,
		ActionID:   0,
		FileName:   "track.flac",
	})

	msg, _ = b.recv(t)
	require.IsType(t, &protocol.LibraryAction{}, msg)
	announced := msg.(*protocol.LibraryAction)
	require.Equal(t, library.ActionRemove, announced.ActionType)
	require.Equal(t, uint64(0), announced.ActionID)
	require.Equal(t, "track.flac", announced.FileName)

	current, err := f.store.CurrentActionID()
	require.NoError(t, err)
	require.Equal(t, uint64(1), current)
	exists, err := afero.Exists(f.fs, "library/track.flac")
	require.NoError(t, err)
	require.False(t, exists)

	// the author never receives its own echo
	a.expectSilence(t)
}

func TestRemoveMissingTrack(t *testing.T) {
	f := startServer(t)
	c := f.dial(t)
	c.handshake(t)

	c.send(t, &protocol.LibraryAction{
		ActionType: library.ActionRemove,
		ActionID:   0,
		FileName:   "nope.flac",
	})
	errMsg := c.recvError(t)
	require.Equal(t, protocol.ErrorTypeInvalidContents, errMsg.ErrorType)
	require.Equal(t, "Track nope.flac does not exist!", errMsg.Info)

	current, err := f.store.CurrentActionID()
	require.NoError(t, err)
	require.Equal(t, uint64(0), current)
}

func TestRejectsUnsafeFileName(t *testing.T) {
	f := startServer(t)
	c := f.dial(t)
	c.handshake(t)

	c.send(t, &protocol.LibraryAction{
		ActionType: library.ActionRemove,
		ActionID:   0,
		FileName:   "../etc/passwd",
	})
	errMsg := c.recvError(t)
	require.Equal(t, protocol.ErrorTypeInvalidContents, errMsg.ErrorType)

	current, err := f.store.CurrentActionID()
	require.NoError(t, err)
	require.Equal(t, uint64(0), current)
}

func TestChangeMetadataUnsupported(t *testing.T) {
	f := startServer(t)
	c := f.dial(t)
	c.handshake(t)

	c.send(t, &protocol.LibraryAction{
		ActionType:  library.ActionChangeMetadata,
		ActionID:    0,
		FileName:    "track.flac",
		NewMetadata: []library.MetadataPair{{Key: "artist", Value: "someone"}},
	})
	errMsg := c.recvError(t)
	require.Equal(t, protocol.ErrorTypeInvalidContents, errMsg.ErrorType)
	require.Equal(t, "The server does not support changing metadata yet! :(", errMsg.Info)

	current, err := f.store.CurrentActionID()
	require.NoError(t, err)
	require.Equal(t, uint64(0), current)
}

func TestActionRequestReplay(t *testing.T) {
	f := startServer(t)
	for i := uint64(0); i < 3; i++ {
		_, err := f.store.Append(library.Action{
			ActionID: i,
			ClientID: 7,
			FileName: "track.flac",
			Type:     library.ActionReplace,
		})
		require.NoError(t, err)
	}

	c := f.dial(t)
	welcome, _ := c.handshake(t)
	require.Equal(t, uint64(3), welcome.LatestActionID)

	c.send(t, &protocol.LibraryActionRequest{Start: 1})
	for want := uint64(1); want < 3; want++ {
		msg, _ := c.recv(t)
		require.IsType(t, &protocol.LibraryAction{}, msg)
		require.Equal(t, want, msg.(*protocol.LibraryAction).ActionID)
	}
}

func TestActionRequestBeyondCounter(t *testing.T) {
	f := startServer(t)
	c := f.dial(t)
	c.handshake(t)

	c.send(t, &protocol.LibraryActionRequest{Start: 9})
	errMsg := c.recvError(t)
	require.Equal(t, protocol.ErrorTypeInvalidContents, errMsg.ErrorType)
	require.Equal(t, "requested action #9, but the latest is #-1", errMsg.Info)
}

func TestFileActionLifecycle(t *testing.T) {
	f := startServer(t)
	a := f.dial(t)
	a.handshake(t)
	b := f.dial(t)
	b.handshake(t)
	msg, _ := a.recv(t)
	require.IsType(t, &protocol.Test{}, msg)

	// a claims the pending slot for an ADD; acceptance is silent
	a.send(t, &protocol.LibraryAction{
		ActionType: library.ActionAdd,
		ActionID:   0,
		FileName:   "song.flac",
	})
	require.Eventually(t, func() bool {
		cur := f.coord.Current()
		return !cur.Cancelled && cur.Action.FileName == "song.flac"
	}, 5*time.Second, 10*time.Millisecond)

	// a concurrent proposal is turned away until a's transfer resolves
	b.send(t, &protocol.LibraryAction{
		ActionType: library.ActionAdd,
		ActionID:   0,
		FileName:   "other.flac",
	})
	errMsg := b.recvError(t)
	require.Equal(t, protocol.ErrorTypeBusy, errMsg.ErrorType)
	require.Equal(t, protocol.ErrorActionRetry, errMsg.Action)
	require.NotNil(t, errMsg.SecondsToRetry)
	require.Equal(t, 11, *errMsg.SecondsToRetry)
	require.Equal(t, "Another client is trying to modify the library right now.", errMsg.Info)

	// the transfer channel resolves a's ticket and commits the action
	require.NoError(t, f.coord.Begin(library.ActionAdd, 0, a.clientID, "song.flac"))
	action, err := f.coord.Finish()
	require.NoError(t, err)
	_, err = f.store.Append(action)
	require.NoError(t, err)
	f.registry.BroadcastExcept(protocol.ActionMessage(action), action.ClientID)

	msg, _ = b.recv(t)
	require.IsType(t, &protocol.LibraryAction{}, msg)
	announced := msg.(*protocol.LibraryAction)
	require.Equal(t, library.ActionAdd, announced.ActionType)
	require.Equal(t, uint64(0), announced.ActionID)
	require.Equal(t, "song.flac", announced.FileName)

	// the slot is free again, b can claim the next id
	b.send(t, &protocol.LibraryAction{
		ActionType: library.ActionAdd,
		ActionID:   1,
		FileName:   "other.flac",
	})
	require.Eventually(t, func() bool {
		cur := f.coord.Current()
		return !cur.Cancelled && !cur.Finished && cur.Action.ClientID == b.clientID
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBroadcastSurvivesSlowSession(t *testing.T) {
	f := startServer(t)
	// connected but never reads, so its queue and socket buffers fill up
	f.dial(t)

	big := &protocol.Error{
		Info:      strings.Repeat("x", 256*1024),
		ErrorType: protocol.ErrorTypeServer,
		Action:    protocol.ErrorActionUnknown,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 300; i++ {
			f.registry.Broadcast(big)
		}
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("broadcast blocked on a session that stopped reading")
	}

	// the stalled session never back-pressures a new client's connect
	c := f.dial(t)
	c.handshake(t)
}

func TestDisconnectClosesSession(t *testing.T) {
	f := startServer(t)
	c := f.dial(t)
	c.handshake(t)
	require.Equal(t, 1, f.registry.Len())

	c.send(t, &protocol.Disconnect{})
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.False(t, c.scanner.Scan())
	require.NoError(t, c.scanner.Err())

	require.Eventually(t, func() bool {
		return f.registry.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)
}
