package hooksocket

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/Emyrk/callhook/hook"
	"github.com/Emyrk/callhook/hook/eventlog"
	"github.com/Emyrk/callhook/hook/table"
)

const (
	// OpInspect looks up the key carried in the record's name, OpItems
	// returns the whole table. Both are only understood on the socket.
	OpInspect = "inspect"
	OpItems   = "items"

	TokenHeader = "X-Token"
)

type Options struct {
	// Token, when set, must be sent in the X-Token header.
	Token          string   `yaml:"token"`
	OriginPatterns []string `yaml:"origin_patterns"`
	ReadLimit      int64    `yaml:"read_limit"`
}

var _ prometheus.Collector = (*Server)(nil)

// Server accepts websocket connections from a host. Each connection is one
// execution stream of the host and gets its own frame stack in the session.
type Server struct {
	logger  zerolog.Logger
	session *hook.Session
	opts    Options

	// bound holds the stream ids of open connections.
	mu    sync.Mutex
	bound map[string]struct{}

	reg         *prometheus.Registry
	connections prometheus.Gauge
	messages    *prometheus.CounterVec
	failures    prometheus.Counter
}

func New(logger zerolog.Logger, session *hook.Session, opts Options, labels prometheus.Labels) *Server {
	if opts.ReadLimit == 0 {
		opts.ReadLimit = 1 << 20
	}

	srv := &Server{
		logger:  logger,
		session: session,
		opts:    opts,
		bound:   make(map[string]struct{}),
		reg:     prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "callhook",
			Subsystem:   "websocket",
			Name:        "connections",
			Help:        "Open host connections.",
			ConstLabels: labels,
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "callhook",
			Subsystem:   "websocket",
			Name:        "records_total",
			Help:        "Records received from hosts by op.",
			ConstLabels: labels,
		}, []string{"op"}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "callhook",
			Subsystem:   "websocket",
			Name:        "record_failures_total",
			Help:        "Records that could not be decoded or applied.",
			ConstLabels: labels,
		}),
	}

	srv.reg.MustRegister(srv.connections)
	srv.reg.MustRegister(srv.messages)
	srv.reg.MustRegister(srv.failures)
	return srv
}

func (s *Server) Collect(ch chan<- prometheus.Metric) {
	s.reg.Collect(ch)
}

func (s *Server) Describe(descs chan<- *prometheus.Desc) {
	s.reg.Describe(descs)
}

var streamRegex = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,64}$`)

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.opts.Token != "" {
		got := r.Header.Get(TokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.Token)) != 1 {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
	}

	streamID := r.URL.Query().Get("stream")
	if streamID == "" {
		buf := make([]byte, 4)
		_, _ = crand.Read(buf)
		streamID = "ws-" + hex.EncodeToString(buf)
	}
	if !streamRegex.MatchString(streamID) {
		http.Error(w, "invalid stream id", http.StatusBadRequest)
		return
	}
	if !s.bind(streamID) {
		http.Error(w, "stream already connected", http.StatusConflict)
		return
	}
	defer s.release(streamID)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.opts.OriginPatterns,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to accept websocket")
		return
	}
	conn.SetReadLimit(s.opts.ReadLimit)

	sess := &Session{
		server:   s,
		conn:     conn,
		streamID: streamID,
		logger:   s.logger.With().Str("stream", streamID).Str("remote", r.RemoteAddr).Logger(),
	}

	s.connections.Inc()
	defer s.connections.Dec()
	defer s.session.CloseStream(streamID)
	defer func() { _ = sess.Close() }()

	sess.logger.Info().Msg("Websocket session started")
	err = sess.Watch(r.Context())
	if err != nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		sess.logger.Error().Err(err).Msg("Websocket session failed")
		return
	}
	sess.logger.Info().Msg("Websocket session closed")
}

// bind claims streamID for one connection. A stream's frame stack must only
// ever be fed by a single notifier.
func (s *Server) bind(streamID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bound[streamID]; ok {
		return false
	}
	s.bound[streamID] = struct{}{}
	return true
}

func (s *Server) release(streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bound, streamID)
}

// Session is one host connection.
type Session struct {
	server   *Server
	conn     *websocket.Conn
	streamID string
	logger   zerolog.Logger
}

func (s *Session) Watch(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if websocket.CloseStatus(err) != -1 {
			return err
		}
		if err != nil {
			return fmt.Errorf("read websocket: %w", err)
		}

		err = s.handleIncomingMessage(ctx, data)
		if err != nil {
			_ = s.conn.Close(websocket.StatusInternalError, "write failed")
			return err
		}
	}
}

func (s *Session) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

// Reply answers control records.
type Reply struct {
	Op      string      `json:"op"`
	Error   string      `json:"error,omitempty"`
	Elapsed float64     `json:"elapsed,omitempty"`
	Found   bool        `json:"found,omitempty"`
	Items   []ReplyItem `json:"items,omitempty"`
}

type ReplyItem struct {
	Key   string  `json:"key"`
	Calls int64   `json:"calls"`
	Time  float64 `json:"time"`
}

func replyItems(items []table.Item) []ReplyItem {
	out := make([]ReplyItem, 0, len(items))
	for _, it := range items {
		out = append(out, ReplyItem{Key: it.Key, Calls: it.Calls, Time: it.Time()})
	}
	return out
}

// handleIncomingMessage accepts a single record object or an array of them.
// Only write failures end the session, bad records are logged and skipped.
func (s *Session) handleIncomingMessage(ctx context.Context, data []byte) error {
	records, err := decodeRecords(data)
	if err != nil {
		s.server.failures.Inc()
		s.logger.Error().Err(err).Msg("Failed to decode message")
		return s.write(ctx, Reply{Op: "error", Error: err.Error()})
	}

	for _, rec := range records {
		s.server.messages.WithLabelValues(rec.Op).Inc()
		reply, ok := s.handleRecord(rec)
		if !ok {
			continue
		}
		if err := s.write(ctx, reply); err != nil {
			return err
		}
	}
	return nil
}

func decodeRecords(data []byte) ([]eventlog.Record, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty message")
	}

	if data[0] == '[' {
		var records []eventlog.Record
		err := json.Unmarshal(data, &records)
		if err != nil {
			return nil, fmt.Errorf("unmarshal batch: %w", err)
		}
		return records, nil
	}

	var rec eventlog.Record
	err := json.Unmarshal(data, &rec)
	if err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return []eventlog.Record{rec}, nil
}

// handleRecord applies rec. The bool reports whether a reply is due, plain
// call and return events are not acknowledged.
func (s *Session) handleRecord(rec eventlog.Record) (Reply, bool) {
	session := s.server.session

	switch rec.Op {
	case OpInspect:
		it, found := session.Inspect(rec.Name)
		reply := Reply{Op: rec.Op, Found: found}
		if found {
			reply.Items = replyItems([]table.Item{it})
		}
		return reply, true
	case OpItems:
		return Reply{Op: rec.Op, Items: replyItems(session.Items())}, true
	}

	// Records on a socket always belong to the connection's stream.
	rec.Stream = ""
	out, err := eventlog.Apply(session, s.streamID, rec)
	if err != nil {
		s.server.failures.Inc()
		s.logger.Warn().Err(err).Str("op", rec.Op).Msg("Failed to apply record")
		return Reply{Op: rec.Op, Error: err.Error()}, true
	}

	switch rec.Op {
	case eventlog.OpStart:
		return Reply{Op: rec.Op}, true
	case eventlog.OpStop:
		return Reply{Op: rec.Op, Elapsed: out.Elapsed.Seconds(), Items: replyItems(session.Items())}, true
	case eventlog.OpWipe:
		return Reply{Op: rec.Op, Items: replyItems(out.Wiped)}, true
	}
	return Reply{}, false
}

func (s *Session) write(ctx context.Context, reply Reply) error {
	err := wsjson.Write(ctx, s.conn, reply)
	if err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}
