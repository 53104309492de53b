package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/blackmichael/eueoeo-feed/internal/config"
	"github.com/blackmichael/eueoeo-feed/internal/domain"
	"github.com/blackmichael/eueoeo-feed/internal/notify"
	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultLimit = 50
	maxLimit     = 100

	streamHeartbeat = 30 * time.Second
)

// Server is the HTTP server that serves feed generator XRPC endpoints.
type Server struct {
	cfg           *config.Config
	feedService   *domain.FeedService
	events        *notify.Broadcaster
	firehoseState func() string
	heartbeat     time.Duration
	logger        *slog.Logger
	httpServer    *http.Server
}

// Option customizes a Server.
type Option func(*Server)

// WithEvents serves the live stream of matched-post authors on /stream.
func WithEvents(b *notify.Broadcaster) Option {
	return func(s *Server) { s.events = b }
}

// WithFirehoseState reports the ingestion state on /health.
func WithFirehoseState(state func() string) Option {
	return func(s *Server) { s.firehoseState = state }
}

// NewServer creates a new HTTP server with the given feed service.
func NewServer(cfg *config.Config, feedService *domain.FeedService, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:         cfg,
		feedService: feedService,
		heartbeat:   streamHeartbeat,
		logger:      logger.With("component", "http"),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/did.json", s.handleDIDDoc)
	mux.HandleFunc("GET /xrpc/app.bsky.feed.describeFeedGenerator", s.handleDescribeFeedGenerator)
	mux.HandleFunc("GET /xrpc/app.bsky.feed.getFeedSkeleton", s.handleGetFeedSkeleton)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.events != nil {
		mux.HandleFunc("GET /stream", s.handleStream)
	}

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      withLogging(s.logger, mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the root handler, including request logging.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or an error occurs.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type didDocument struct {
	Context []string     `json:"@context"`
	ID      string       `json:"id"`
	Service []didService `json:"service"`
}

type didService struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

type feedRef struct {
	URI string `json:"uri"`
}

type describeOutput struct {
	DID   string    `json:"did"`
	Feeds []feedRef `json:"feeds"`
}

type skeletonItem struct {
	Post string `json:"post"`
}

type skeletonOutput struct {
	Cursor string         `json:"cursor,omitempty"`
	Feed   []skeletonItem `json:"feed"`
}

type xrpcError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]string{"status": "ok"}
	if s.firehoseState != nil {
		resp["firehose"] = s.firehoseState()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDIDDoc(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, didDocument{
		Context: []string{"https://www.w3.org/ns/did/v1"},
		ID:      s.cfg.ServiceDID(),
		Service: []didService{{
			ID:              "#bsky_fg",
			Type:            "BskyFeedGenerator",
			ServiceEndpoint: "https://" + s.cfg.Hostname,
		}},
	})
}

func (s *Server) handleDescribeFeedGenerator(w http.ResponseWriter, _ *http.Request) {
	out := describeOutput{DID: s.cfg.ServiceDID(), Feeds: []feedRef{}}
	for _, uri := range s.feedService.FeedURIs() {
		out.Feeds = append(out.Feeds, feedRef{URI: uri})
	}
	writeJSON(w, http.StatusOK, out)
}

// parseLimit returns the requested page size, or false if it is out of range.
func parseLimit(raw string) (int, bool) {
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxLimit {
		return 0, false
	}
	return n, true
}

func (s *Server) handleGetFeedSkeleton(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	feedURI, cursor := q.Get("feed"), q.Get("cursor")
	if feedURI == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "feed parameter is required")
		return
	}
	limit, ok := parseLimit(q.Get("limit"))
	if !ok {
		writeError(w, http.StatusBadRequest, "InvalidRequest", fmt.Sprintf("limit must be between 1 and %d", maxLimit))
		return
	}

	logger := s.logger.With("feed", feedURI, "limit", limit, "cursor", cursor, "requester", requesterDID(r))

	skeleton, err := s.feedService.GetFeedSkeleton(r.Context(), feedURI, limit, cursor)
	switch {
	case errors.Is(err, domain.ErrUnknownAlgorithm):
		logger.Warn("unsupported feed requested")
		writeError(w, http.StatusBadRequest, "UnsupportedAlgorithm", "Unsupported algorithm")
		return
	case errors.Is(err, domain.ErrInvalidCursor):
		logger.Warn("malformed cursor", "error", err)
		writeError(w, http.StatusBadRequest, "InvalidRequest", "malformed cursor")
		return
	case err != nil:
		logger.Error("failed to get feed skeleton", "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to get feed")
		return
	}

	out := skeletonOutput{Cursor: skeleton.Cursor, Feed: make([]skeletonItem, len(skeleton.Posts))}
	for i, p := range skeleton.Posts {
		out.Feed[i] = skeletonItem{Post: p.Post}
	}
	logger.Debug("served feed skeleton", "posts", len(out.Feed), "next_cursor", out.Cursor)
	writeJSON(w, http.StatusOK, out)
}

// handleStream writes the author DID of every newly matched post as a
// server-sent event until the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	// The stream outlives the server-wide write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.logger.Warn("clear write deadline", "error", err)
	}

	stream, cleanup := s.events.Subscribe(r.Context())
	defer cleanup()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.logger.Error("streaming not supported by response writer", "error", err)
		return
	}

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		var err error
		select {
		case <-r.Context().Done():
			return
		case actor := <-stream:
			_, err = fmt.Fprintf(w, "data: %s\n\n", actor)
		case <-heartbeat.C:
			_, err = fmt.Fprint(w, ": keepalive\n\n")
		}
		if err == nil {
			err = rc.Flush()
		}
		if err != nil {
			s.logger.Debug("stream client gone", "error", err)
			return
		}
	}
}

// requesterDID returns the issuer of the service-auth token on the request,
// without verifying it. The value is only used for logging.
func requesterDID(r *http.Request) string {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	iss, _ := claims.GetIssuer()
	return iss
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, xrpcError{Error: errType, Message: message})
}

func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
