// Package transfer implements the bulk-data channel that moves file bytes for
// ADD and REPLACE mutations. Writes are authorized against the pending-action
// coordinator; a completed write commits the action to the log and broadcasts
// it to every other session. Reads serve the library unconditionally.
package transfer

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/natefinch/atomic"
	"go.uber.org/zap"

	"github.com/Blackilykat/PMP-Server/library"
	"github.com/Blackilykat/PMP-Server/metrics"
	"github.com/Blackilykat/PMP-Server/pending"
	"github.com/Blackilykat/PMP-Server/protocol"
)

var (
	uploads = metrics.NewCounter("uploads_total", "transfer",
		"Completed file uploads by action type.", []string{"action_type"})
	downloads = metrics.NewCounter("downloads_total", "transfer",
		"Served file downloads.", nil)
)

// Broadcaster fans a committed action out to the session set.
type Broadcaster interface {
	BroadcastExcept(msg protocol.Message, clientID int)
}

// Opt configures a Handler.
type Opt func(*Handler)

// WithLogger sets the handler's logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(h *Handler) {
		h.logger = logger
	}
}

// Handler serves the transfer channel over HTTP. The request path names the
// library file; uploads authenticate against the single pending action via
// the action_id and client_id query parameters.
type Handler struct {
	root        string
	coord       *pending.Coordinator
	store       *library.Store
	broadcaster Broadcaster
	logger      *zap.Logger
}

// NewHandler wires the transfer channel against the library root directory,
// the pending-action coordinator, the action log and the session broadcaster.
func NewHandler(root string, coord *pending.Coordinator, store *library.Store, broadcaster Broadcaster, opts ...Opt) *Handler {
	h := &Handler{
		root:        root,
		coord:       coord,
		store:       store,
		broadcaster: broadcaster,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/")
	if err := library.ValidateFileName(name); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch r.Method {
	case http.MethodGet:
		h.serveFile(w, r, name)
	case http.MethodPost:
		h.receiveFile(w, r, name, library.ActionAdd)
	case http.MethodPut:
		h.receiveFile(w, r, name, library.ActionReplace)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) serveFile(w http.ResponseWriter, r *http.Request, name string) {
	f, err := os.Open(filepath.Join(h.root, name))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		h.logger.Warn("download interrupted", zap.String("file_name", name), zap.Error(err))
		return
	}
	downloads.WithLabelValues().Inc()
}

// receiveFile runs one upload through the pending-action lifecycle: authorize
// and mark started, stream the bytes, then finish, commit and broadcast.
func (h *Handler) receiveFile(w http.ResponseWriter, r *http.Request, name string, actionType library.ActionType) {
	actionID, clientID, err := writeParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.coord.Authorize(actionType, actionID, clientID, name); err != nil {
		h.logger.Warn("rejected unauthorized upload",
			zap.String("file_name", name),
			zap.Uint64("action_id", actionID),
			zap.Int("client_id", clientID),
			zap.Error(err),
		)
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	target := filepath.Join(h.root, name)
	if actionType == library.ActionAdd {
		if _, err := os.Stat(target); err == nil {
			// destination conflict aborts the still-unstarted pending action,
			// the client has to resubmit
			h.coord.Cancel()
			http.Error(w, fmt.Sprintf("%s already exists", name), http.StatusBadRequest)
			return
		}
	}
	if err := h.coord.Begin(actionType, actionID, clientID, name); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		h.coord.Cancel()
		http.Error(w, "failed to store file", http.StatusInternalServerError)
		return
	}
	if err := atomic.WriteFile(target, r.Body); err != nil {
		h.coord.Cancel()
		h.logger.Warn("upload failed",
			zap.String("file_name", name), zap.Int("client_id", clientID), zap.Error(err))
		http.Error(w, "transfer failed", http.StatusInternalServerError)
		return
	}

	action, err := h.coord.Finish()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if _, err := h.store.Append(action); err != nil {
		h.logger.Error("failed to commit transferred action", zap.Error(err))
		http.Error(w, "failed to commit action", http.StatusInternalServerError)
		return
	}
	uploads.WithLabelValues(string(actionType)).Inc()
	h.logger.Info("transfer complete",
		zap.Uint64("action_id", action.ActionID),
		zap.Int("client_id", action.ClientID),
		zap.String("action_type", string(actionType)),
		zap.String("file_name", name),
	)
	w.WriteHeader(http.StatusOK)
	h.broadcaster.BroadcastExcept(protocol.ActionMessage(action), action.ClientID)
}

func writeParams(r *http.Request) (actionID uint64, clientID int, err error) {
	query := r.URL.Query()
	if !query.Has("action_id") || !query.Has("client_id") {
		return 0, 0, fmt.Errorf("uploads require action_id and client_id")
	}
	actionID, err = strconv.ParseUint(query.Get("action_id"), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid action_id")
	}
	clientID, err = strconv.Atoi(query.Get("client_id"))
	if err != nil || clientID < 0 {
		return 0, 0, fmt.Errorf("invalid client_id")
	}
	return actionID, clientID, nil
}
