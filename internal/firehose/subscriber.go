package firehose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/blackmichael/eueoeo-feed/internal/domain"
	"github.com/blackmichael/eueoeo-feed/internal/telemetry"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = time.Minute
	statsInterval         = 30 * time.Second
)

// State is the connection lifecycle state of a Subscriber.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
	StateBackoff
	StateTerminating
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateBackoff:
		return "backoff"
	case StateTerminating:
		return "terminating"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Ingester applies decoded commits and owns the cursor. *domain.FeedService
// implements it.
type Ingester interface {
	GetCursor(ctx context.Context, service string) (int64, bool, error)
	UpdateCursor(ctx context.Context, service string, cursor int64) error
	ApplyCommit(ctx context.Context, creates []domain.IncomingPost, deletes []string, sequential bool) (domain.ApplyResult, error)
}

// Config configures a Subscriber.
type Config struct {
	// URL is the remote log endpoint.
	URL string

	// Protocol decodes frames. Defaults to ReposProtocol.
	Protocol Protocol

	// Source opens connections. Defaults to WebsocketSource.
	Source Source

	// CursorSaveEvery is the number of processed frames between cursor writes.
	// A crash replays at most this many frames. Defaults to 1.
	CursorSaveEvery int

	// InitialBackoff and MaxBackoff bound the reconnect delay.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Metrics *telemetry.Metrics
}

// Subscriber connects to the firehose and processes events. It is the single
// consumer of the log: frames are handled one at a time in delivery order and
// the cursor advances only after a frame's writes have settled.
type Subscriber struct {
	cfg      Config
	ingester Ingester
	logger   *slog.Logger
	metrics  *telemetry.Metrics

	state atomic.Int32

	// cursor is the highest processed position; pending counts frames
	// processed since it was last saved.
	cursor  int64
	pending int

	stats           rate.Sometimes
	eventsReceived  int64
	commitsReceived int64
	matched         int64
	decodeErrors    int64
}

// NewSubscriber creates a new firehose subscriber.
func NewSubscriber(cfg Config, ingester Ingester, logger *slog.Logger) *Subscriber {
	if cfg.Protocol == nil {
		cfg.Protocol = ReposProtocol{}
	}
	if cfg.Source == nil {
		cfg.Source = WebsocketSource{}
	}
	if cfg.CursorSaveEvery <= 0 {
		cfg.CursorSaveEvery = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = max(defaultMaxBackoff, cfg.InitialBackoff)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.Default()
	}

	return &Subscriber{
		cfg:      cfg,
		ingester: ingester,
		logger:   logger.With("component", "firehose", "protocol", cfg.Protocol.Name()),
		metrics:  cfg.Metrics,
		stats:    rate.Sometimes{Interval: statsInterval},
	}
}

// State returns the current lifecycle state.
func (s *Subscriber) State() State {
	return State(s.state.Load())
}

func (s *Subscriber) setState(st State) {
	if prev := State(s.state.Swap(int32(st))); prev != st {
		s.logger.Debug("subscriber state", "from", prev.String(), "to", st.String())
	}
}

// Cursor returns the highest processed position.
func (s *Subscriber) Cursor() int64 {
	return atomic.LoadInt64(&s.cursor)
}

func (s *Subscriber) cursorKey() string {
	return s.cfg.Protocol.Name()
}

// Start connects to the firehose and processes events until the context is
// cancelled. It reconnects with exponential backoff after any session failure
// and never gives up on its own.
func (s *Subscriber) Start(ctx context.Context) error {
	s.setState(StateDisconnected)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.InitialBackoff
	bo.MaxInterval = s.cfg.MaxBackoff

	for {
		if ctx.Err() != nil {
			s.setState(StateTerminating)
			return ctx.Err()
		}

		progressed, err := s.session(ctx)
		if ctx.Err() != nil {
			s.setState(StateTerminating)
			return ctx.Err()
		}
		if progressed {
			bo.Reset()
		}

		delay := bo.NextBackOff()
		s.setState(StateBackoff)
		s.metrics.Reconnect(ctx)
		s.logger.Error("firehose connection error, reconnecting", "error", err, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setState(StateTerminating)
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// session runs one connection until it fails or ctx ends. progressed reports
// whether at least one frame was processed.
func (s *Subscriber) session(ctx context.Context) (progressed bool, err error) {
	s.setState(StateConnecting)

	cursor, ok, err := s.ingester.GetCursor(ctx, s.cursorKey())
	if err != nil {
		return false, fmt.Errorf("load cursor: %w", err)
	}
	atomic.StoreInt64(&s.cursor, cursor)
	s.pending = 0

	url, err := s.cfg.Protocol.SubscribeURL(s.cfg.URL, cursor, ok)
	if err != nil {
		return false, err
	}

	logger := s.logger.With("session", uuid.NewString())
	logger.Info("connecting to firehose", "url", url, "resume", ok, "cursor", cursor)

	stream, err := s.cfg.Source.Connect(ctx, url)
	if err != nil {
		return false, err
	}
	defer stream.Close()

	s.setState(StateStreaming)
	logger.Info("connected to firehose")

	// Frames already received are finished even if shutdown arrives meanwhile.
	work := context.WithoutCancel(ctx)

	for {
		frame, err := stream.Next()
		if err != nil {
			flushErr := s.flushCursor(work)
			if ctx.Err() != nil {
				return progressed, flushErr
			}
			return progressed, errors.Join(err, flushErr)
		}

		if err := s.handleFrame(work, logger, frame); err != nil {
			return progressed, err
		}
		progressed = true

		if ctx.Err() != nil {
			return progressed, s.flushCursor(work)
		}
	}
}

func (s *Subscriber) handleFrame(ctx context.Context, logger *slog.Logger, frame []byte) error {
	event, err := s.cfg.Protocol.Decode(frame)
	if err != nil {
		var streamErr *StreamError
		if errors.As(err, &streamErr) {
			return streamErr
		}

		s.decodeErrors++
		s.metrics.DecodeError(ctx)
		logger.Error("failed to decode frame, skipping", "error", err)

		var de *DecodeError
		if errors.As(err, &de) && de.Seq > 0 {
			return s.advance(ctx, de.Seq)
		}
		return nil
	}

	s.eventsReceived++
	s.metrics.Event(ctx, string(event.Kind))
	defer s.logStats(logger)

	if event.Kind != KindCommit || len(event.Ops) == 0 {
		return s.advance(ctx, event.Seq)
	}
	s.commitsReceived++

	batches := Classify(event)
	plan := Reconcile(batches[PostCollection])
	for collection, b := range batches {
		if collection != PostCollection {
			logger.Debug("ignoring operations", "collection", collection,
				"creates", len(b.Creates), "deletes", len(b.Deletes))
		}
	}

	creates := toIncoming(event.Repo, plan.Creates)
	if len(creates) > 0 || len(plan.Deletes) > 0 {
		result, err := s.ingester.ApplyCommit(ctx, creates, plan.Deletes, plan.Sequential)
		if err != nil {
			return fmt.Errorf("apply commit seq=%d: %w", event.Seq, err)
		}

		s.matched += int64(len(result.Matched))
		s.metrics.Matched(ctx, len(result.Matched))
		s.metrics.Deleted(ctx, result.Deleted)
		for _, p := range result.Matched {
			logger.Info("matched post", "uri", p.URI, "seq", event.Seq)
		}
	}

	return s.advance(ctx, event.Seq)
}

// advance records seq as processed and saves the cursor every
// CursorSaveEvery frames. Positions at or below the current cursor are
// duplicates and never move it backwards.
func (s *Subscriber) advance(ctx context.Context, seq int64) error {
	if seq <= atomic.LoadInt64(&s.cursor) {
		return nil
	}
	atomic.StoreInt64(&s.cursor, seq)
	s.pending++
	if s.pending < s.cfg.CursorSaveEvery {
		return nil
	}
	return s.flushCursor(ctx)
}

func (s *Subscriber) flushCursor(ctx context.Context) error {
	if s.pending == 0 {
		return nil
	}
	cursor := atomic.LoadInt64(&s.cursor)
	if err := s.ingester.UpdateCursor(ctx, s.cursorKey(), cursor); err != nil {
		return fmt.Errorf("save cursor %d: %w", cursor, err)
	}
	s.pending = 0
	return nil
}

func (s *Subscriber) logStats(logger *slog.Logger) {
	s.stats.Do(func() {
		logger.Info("firehose stats",
			"events_received", s.eventsReceived,
			"commits_received", s.commitsReceived,
			"posts_matched", s.matched,
			"decode_errors", s.decodeErrors,
			"cursor", s.Cursor(),
		)
	})
}

// toIncoming converts post creates into domain posts authored by repo.
func toIncoming(repo string, ops []Operation) []domain.IncomingPost {
	posts := make([]domain.IncomingPost, 0, len(ops))
	for _, op := range ops {
		rec, ok := op.Record.(*PostRecord)
		if !ok {
			continue
		}
		in := domain.IncomingPost{
			URI:       op.URI,
			CID:       op.CID,
			AuthorDID: repo,
			Text:      rec.Text,
			Langs:     rec.Langs,
		}
		if rec.Reply != nil {
			in.ReplyParent = nonEmpty(rec.Reply.Parent.URI)
			in.ReplyRoot = nonEmpty(rec.Reply.Root.URI)
		}
		posts = append(posts, in)
	}
	return posts
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
