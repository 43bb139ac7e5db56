package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/wricardo/polaris-gateway/gateway/envelope"
	"github.com/wricardo/polaris-gateway/gateway/ledger"
	"github.com/wricardo/polaris-gateway/metrics"
	"github.com/wricardo/polaris-gateway/transport/websocket"
)

// Session is the part of the platform session the handlers use.
type Session interface {
	AwaitReady(ctx context.Context) error
	Request(ctx context.Context, env envelope.Envelope) (*ledger.Pending, error)
	Send(ctx context.Context, env envelope.Envelope) error
	Status() websocket.Status
}

// Defaults fill in query parameters the caller left out.
type Defaults struct {
	ChatID      string
	UserID      string
	Personality string
	Target      string
}

// Options configures a Server.
type Options struct {
	Builder  *envelope.Builder
	Defaults Defaults
	// ReplyTimeout bounds the wait for a message reply. Zero waits for as
	// long as the session stays up.
	ReplyTimeout time.Duration
	Logger       zerolog.Logger
}

// Server represents the gateway HTTP API
type Server struct {
	session      Session
	builder      *envelope.Builder
	defaults     Defaults
	replyTimeout time.Duration
	log          zerolog.Logger
	router       *mux.Router
}

// NewServer creates a new API server
func NewServer(session Session, opts Options) *Server {
	builder := opts.Builder
	if builder == nil {
		builder = envelope.NewBuilder(envelope.DefaultIdentity("rest"))
	}

	s := &Server{
		session:      session,
		builder:      builder,
		defaults:     opts.Defaults,
		replyTimeout: opts.ReplyTimeout,
		log:          opts.Logger.With().Str("component", "api").Logger(),
		router:       mux.NewRouter(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Use(hlog.NewHandler(s.log))
	s.router.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	s.router.Use(hlog.AccessHandler(s.recordAccess))

	// Platform operations
	s.router.HandleFunc("/", s.handleNotify).Methods("GET")
	s.router.HandleFunc("/message", s.handleMessage).Methods("GET")
	s.router.HandleFunc("/broadcast", s.handleBroadcast).Methods("GET")
	s.router.HandleFunc("/redirect", s.handleRedirect).Methods("GET")

	// Operations
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/status", s.handleStatus).Methods("GET")
	s.router.Handle("/metrics", metrics.Handler()).Methods("GET")
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) recordAccess(r *http.Request, status, size int, duration time.Duration) {
	endpoint := r.URL.Path
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			endpoint = tpl
		}
	}
	metrics.RecordHTTPRequest(endpoint, status, duration)

	hlog.FromRequest(r).Info().
		Str("method", r.Method).
		Str("endpoint", endpoint).
		Int("status", status).
		Int("size", size).
		Dur("duration", duration).
		Msg("HTTP request")
}

// Response helpers
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, title, message string) {
	respondJSON(w, status, map[string]string{
		"error":   title,
		"message": message,
	})
}

// respondFrame writes a platform frame as the response body. Frames that are
// not JSON are sent as a JSON string.
func respondFrame(w http.ResponseWriter, frame []byte) {
	if !json.Valid(frame) {
		respondJSON(w, http.StatusOK, string(frame))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(frame)
}

// Validation failures are answered with 200 for callers that predate status codes.
func respondMissing(w http.ResponseWriter, message string) {
	respondError(w, http.StatusOK, "Missing parameters", message)
}

func respondInvalid(w http.ResponseWriter, message string) {
	respondError(w, http.StatusOK, "Invalid parameters", message)
}

func (s *Server) respondSessionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrConnectionLost):
		respondError(w, http.StatusServiceUnavailable, "WebSocket connection lost", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "Reply timeout", err.Error())
	case errors.Is(err, context.Canceled):
		hlog.FromRequest(r).Debug().Err(err).Msg("Caller went away")
		respondError(w, http.StatusServiceUnavailable, "Request cancelled", err.Error())
	default:
		respondError(w, http.StatusServiceUnavailable, "WebSocket unavailable", err.Error())
	}
}

const (
	missingChatParams = "Missing required parameters 'chatId' or 'content'"
	missingUserParams = "Missing required parameters 'userId' or 'content'"
	invalidExtra      = "Parameter 'extra' must be a JSON object"
)

var errInvalidExtra = errors.New(invalidExtra)

// parseExtra reads extra as a JSON object or as extra[key]=value pairs.
// It returns nil when neither form is present.
func parseExtra(q url.Values) (envelope.Extra, error) {
	if raw := q.Get("extra"); raw != "" {
		var extra envelope.Extra
		if err := json.Unmarshal([]byte(raw), &extra); err != nil || extra == nil {
			return nil, errInvalidExtra
		}
		return extra, nil
	}

	var extra envelope.Extra
	for key, values := range q {
		if !strings.HasPrefix(key, "extra[") || !strings.HasSuffix(key, "]") || len(values) == 0 {
			continue
		}
		name := key[len("extra[") : len(key)-1]
		if name == "" {
			continue
		}
		if extra == nil {
			extra = envelope.Extra{}
		}
		extra[name] = values[0]
	}
	return extra, nil
}

// parseFlag treats a bare "?silent" as true.
func parseFlag(q url.Values, name string) (value, present bool) {
	if !q.Has(name) {
		return false, false
	}
	raw := q.Get(name)
	if raw == "" {
		return true, true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, true
	}
	return v, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Platform Operation Handlers

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	content := q.Get("content")
	chatID := firstNonEmpty(q.Get("chatId"), s.defaults.ChatID)
	if content == "" || chatID == "" {
		respondMissing(w, missingChatParams)
		return
	}
	extra, err := parseExtra(q)
	if err != nil {
		respondInvalid(w, err.Error())
		return
	}

	if err := s.session.AwaitReady(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "WebSocket unavailable", err.Error())
		return
	}

	env := s.builder.Message(chatID, content, q.Get("type"), extra)
	pending, err := s.session.Request(r.Context(), env)
	if err != nil {
		s.respondSessionError(w, r, err)
		return
	}

	ctx := r.Context()
	if s.replyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.replyTimeout)
		defer cancel()
	}

	frame, err := pending.Wait(ctx)
	if err != nil {
		s.respondSessionError(w, r, err)
		return
	}

	hlog.FromRequest(r).Debug().
		Str("pending_id", pending.ID).
		Dur("waited", time.Since(pending.CreatedAt)).
		Msg("Platform replied")
	respondFrame(w, frame)
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	s.fanOut(w, r, s.builder.Broadcast)
}

func (s *Server) handleRedirect(w http.ResponseWriter, r *http.Request) {
	s.fanOut(w, r, s.builder.Redirect)
}

type broadcastFunc func(chatID, content, contentType string, extra envelope.Extra, target string) envelope.BroadcastEnvelope

// fanOut serves broadcast and redirect, which differ only in the envelope tag.
func (s *Server) fanOut(w http.ResponseWriter, r *http.Request, build broadcastFunc) {
	q := r.URL.Query()
	content := q.Get("content")
	chatID := firstNonEmpty(q.Get("chatId"), s.defaults.ChatID)
	if content == "" || chatID == "" {
		respondMissing(w, missingChatParams)
		return
	}
	extra, err := parseExtra(q)
	if err != nil {
		respondInvalid(w, err.Error())
		return
	}

	if err := s.session.AwaitReady(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "WebSocket unavailable", err.Error())
		return
	}

	target := firstNonEmpty(q.Get("target"), s.defaults.Target)
	env := build(chatID, content, q.Get("type"), extra, target)
	if err := s.session.Send(r.Context(), env); err != nil {
		s.respondSessionError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, env)
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	content := q.Get("content")
	userID := firstNonEmpty(q.Get("userId"), s.defaults.UserID)
	if content == "" || userID == "" {
		respondMissing(w, missingUserParams)
		return
	}
	extra, err := parseExtra(q)
	if err != nil {
		respondInvalid(w, err.Error())
		return
	}
	if silent, ok := parseFlag(q, "silent"); ok {
		if extra == nil {
			extra = envelope.DefaultExtra()
		}
		extra["silent"] = silent
	}

	if err := s.session.AwaitReady(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "WebSocket unavailable", err.Error())
		return
	}

	personality := firstNonEmpty(q.Get("personality"), s.defaults.Personality)
	env := s.builder.Notify(userID, personality, content, q.Get("type"), extra)
	if err := s.session.Send(r.Context(), env); err != nil {
		s.respondSessionError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Operational Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.session.Status())
}
