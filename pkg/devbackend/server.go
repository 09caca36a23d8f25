// Package devbackend is a small chat backend for local development and tests.
// It speaks the same streaming and history endpoints as the real service and
// keeps its messages in a chatstore.MessageStore.
package devbackend

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatsync/pkg/persistence/chatstore"
	"github.com/go-go-golems/chatsync/pkg/protocol"
)

type Options struct {
	// Token, when set, is the only bearer token accepted. Otherwise any
	// non-empty token is accepted for sends and history is open.
	Token     string
	Responder Responder
	// ChunkDelay is the pause between streamed tokens.
	ChunkDelay time.Duration
	Logger     *zerolog.Logger
}

type Server struct {
	store     chatstore.MessageStore
	token     string
	responder Responder
	delay     time.Duration
	logger    zerolog.Logger
}

func NewServer(store chatstore.MessageStore, opts Options) (*Server, error) {
	if store == nil {
		return nil, errors.New("devbackend: message store is nil")
	}
	if opts.Responder == nil {
		opts.Responder = EchoResponder
	}
	logger := log.With().Str("component", "devbackend").Logger()
	if opts.Logger != nil {
		logger = opts.Logger.With().Str("component", "devbackend").Logger()
	}
	return &Server{
		store:     store,
		token:     strings.TrimSpace(opts.Token),
		responder: opts.Responder,
		delay:     opts.ChunkDelay,
		logger:    logger,
	}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat/stream", s.handleStream)
	mux.HandleFunc("GET /sessions/{id}/messages", s.handleHistory)
	mux.HandleFunc("GET /sessions", s.handleSessions)
	return mux
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	httpSrv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error().Err(err).Msg("server shutdown error")
			return err
		}
		s.logger.Info().Msg("server shutdown complete")
		return nil
	})
	eg.Go(func() error {
		s.logger.Info().Str("addr", addr).Msg("starting dev backend")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	return eg.Wait()
}

func (s *Server) authorized(r *http.Request, required bool) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return !required && s.token == ""
	}
	return s.token == "" || token == s.token
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r, true) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req protocol.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		http.Error(w, "missing session_id", http.StatusBadRequest)
		return
	}
	prompt, ok := lastUserMessage(req.Messages)
	if !ok {
		http.Error(w, "missing user message", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	logger := s.logger.With().Str("session", req.SessionID).Str("model", req.Model).Logger()
	if _, err := s.store.Append(ctx, chatstore.MessageRecord{SessionID: req.SessionID, Role: "user", Content: prompt}); err != nil {
		logger.Error().Err(err).Msg("persist user message")
		http.Error(w, "store unavailable", http.StatusInternalServerError)
		return
	}
	reply, err := plan(ctx, s.responder, req, prompt)
	if err != nil {
		logger.Error().Err(err).Msg("build reply")
		http.Error(w, "reply failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	write := func(line []byte) bool {
		if _, err := w.Write(line); err != nil {
			logger.Debug().Err(err).Msg("client went away")
			return false
		}
		flusher.Flush()
		return true
	}

	if reply.Error != "" {
		line, err := protocol.ErrorLine(reply.Error)
		if err == nil && write(line) {
			write(protocol.DoneLine())
		}
		logger.Info().Str("error", reply.Error).Msg("streamed error reply")
		return
	}
	for _, out := range reply.ToolOutputs {
		line, err := protocol.ToolOutputLine(out)
		if err != nil {
			logger.Warn().Err(err).Msg("skip tool output")
			continue
		}
		if !write(line) {
			return
		}
	}
	for _, chunk := range strings.SplitAfter(reply.Text, " ") {
		if chunk == "" {
			continue
		}
		if s.delay > 0 {
			select {
			case <-ctx.Done():
				logger.Debug().Msg("stream cancelled by client")
				return
			case <-time.After(s.delay):
			}
		}
		line, err := protocol.TokenLine(chunk)
		if err != nil || !write(line) {
			return
		}
	}
	if !write(protocol.DoneLine()) {
		return
	}

	rec := chatstore.MessageRecord{SessionID: req.SessionID, Role: "assistant", Content: reply.Text}
	if len(reply.ToolOutputs) > 0 {
		b, err := json.Marshal(reply.ToolOutputs)
		if err == nil {
			rec.ToolOutput = b
		}
	}
	// the client already has the reply; persist even if it disconnected after [DONE]
	if _, err := s.store.Append(context.WithoutCancel(ctx), rec); err != nil {
		logger.Error().Err(err).Msg("persist assistant message")
		return
	}
	logger.Debug().Int("tool_outputs", len(reply.ToolOutputs)).Int("chars", len(reply.Text)).Msg("reply streamed")
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r, false) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	recs, err := s.store.List(r.Context(), id, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("session", id).Msg("list messages")
		http.Error(w, "store unavailable", http.StatusInternalServerError)
		return
	}
	if len(recs) == 0 {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	out := make([]protocol.HistoryRecord, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.History())
	}
	writeJSON(w, out)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r, false) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sessions, err := s.store.ListSessions(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("list sessions")
		http.Error(w, "store unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, sessions)
}

func lastUserMessage(msgs []protocol.ChatMessage) (string, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" && strings.TrimSpace(msgs[i].Content) != "" {
			return msgs[i].Content, true
		}
	}
	return "", false
}

func limitParam(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.Errorf("invalid limit %q", raw)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write json response")
	}
}
