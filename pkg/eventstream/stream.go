// Package eventstream carries progress events out of long-running work on a
// capped, TTL-bounded store stream per channel.
//
// A Stream owns up to two dedicated connections, one for writing and one for
// blocking reads, both opened on first use. Close releases them.
package eventstream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/latitude-dev/latitude-llm-sub007/pkg/kv"
)

// EventField is the stream entry field holding the JSON payload.
const EventField = "event"

// MinBlock is the shortest blocking read; smaller positive timeouts are
// raised to it.
const MinBlock = time.Millisecond

// ErrClosed is returned by operations on a closed stream.
var ErrClosed = errors.New("event stream is closed")

// Entry is one stored event.
type Entry struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// ReadOptions controls one Read call.
type ReadOptions struct {
	// LastID is the cursor to read after. Empty reads from the beginning.
	LastID string
	// Timeout is how long the read may block. Zero returns immediately;
	// positive values below MinBlock block for MinBlock.
	Timeout time.Duration
	// Count limits the number of entries returned. Zero means no limit.
	Count int64
}

// ReadResult holds the entries read and the cursor for the next read.
type ReadResult struct {
	Entries []Entry `json:"entries"`
	LastID  string  `json:"lastId"`
}

// Stream is one channel's event stream.
type Stream struct {
	client    *kv.Client
	key       string
	namespace string
	cfg       Config
	logger    log.FieldLogger

	writeMu sync.Mutex
	writer  *redis.Conn
	writes  int64
	// refreshes counts TTL refreshes issued by this writer.
	refreshes int64

	readMu sync.Mutex
	reader *redis.Conn

	closeMu sync.Mutex
	closed  bool
}

// New returns the stream for namespace/channelID. No connection is opened
// until the first Write or Read.
func New(client *kv.Client, namespace, channelID string, cfg Config, logger log.FieldLogger) (*Stream, error) {
	if client == nil {
		return nil, errors.New("store client cannot be nil")
	}
	if namespace == "" || channelID == "" {
		return nil, errors.New("stream namespace and channel id cannot be empty")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.StandardLogger()
	}

	key := kv.StreamKey(namespace, channelID)
	return &Stream{
		client:    client,
		key:       key,
		namespace: namespace,
		cfg:       cfg.withDefaults(),
		logger:    logger.WithFields(log.Fields{"component": "eventstream", "stream": key}),
	}, nil
}

// Key returns the store key of the stream.
func (s *Stream) Key() string {
	return s.key
}

// Write appends event as JSON and returns the store-assigned entry id. The
// stream is trimmed to roughly Cap entries on every append; its TTL is only
// refreshed on the first write and then every RefreshEvery writes.
func (s *Stream) Write(ctx context.Context, event any) (string, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode event")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn, err := s.writeConn()
	if err != nil {
		return "", err
	}

	id, err := conn.XAdd(ctx, &redis.XAddArgs{
		Stream: s.key,
		MaxLen: s.cfg.Cap,
		Approx: true,
		ID:     "*",
		Values: []any{EventField, payload},
	}).Result()
	if err != nil {
		s.dropWriter()
		return "", errors.Wrapf(err, "failed to append to %s", s.key)
	}

	s.writes++
	eventsWritten.WithLabelValues(s.namespace).Inc()

	if (s.writes-1)%s.cfg.RefreshEvery == 0 {
		if err := conn.Expire(ctx, s.key, s.cfg.TTL).Err(); err != nil {
			s.dropWriter()
			return id, errors.Wrapf(err, "failed to refresh ttl of %s", s.key)
		}
		s.refreshes++
		ttlRefreshes.WithLabelValues(s.namespace).Inc()
	}

	return id, nil
}

// Read returns entries after opts.LastID, blocking up to opts.Timeout for
// new ones. It returns nil when nothing arrived in time or when ctx was
// already done at the read boundary. ctx is not observed while blocked.
func (s *Stream) Read(ctx context.Context, opts ReadOptions) (*ReadResult, error) {
	if ctx.Err() != nil {
		return nil, nil
	}

	lastID := opts.LastID
	if lastID == "" {
		lastID = "0"
	}
	block := time.Duration(-1)
	if opts.Timeout > 0 {
		block = opts.Timeout
	}
	// BLOCK is sent in whole milliseconds and BLOCK 0 waits forever.
	if block > 0 && block < MinBlock {
		block = MinBlock
	}

	s.readMu.Lock()
	defer s.readMu.Unlock()

	conn, err := s.readConn()
	if err != nil {
		return nil, err
	}

	streams, err := conn.XRead(context.WithoutCancel(ctx), &redis.XReadArgs{
		Streams: []string{s.key, lastID},
		Count:   opts.Count,
		Block:   block,
	}).Result()
	if kv.IsNil(err) {
		return nil, nil
	}
	if err != nil {
		s.dropReader()
		return nil, errors.Wrapf(err, "failed to read from %s", s.key)
	}
	if ctx.Err() != nil {
		return nil, nil
	}

	result := &ReadResult{LastID: lastID}
	for _, st := range streams {
		for _, msg := range st.Messages {
			result.Entries = append(result.Entries, toEntry(msg))
			result.LastID = msg.ID
		}
	}
	if len(result.Entries) == 0 {
		return nil, nil
	}

	entriesRead.WithLabelValues(s.namespace).Add(float64(len(result.Entries)))
	return result, nil
}

// Cleanup shortens the stream TTL to grace (CleanupGrace when zero) so
// trailing readers can finish before the data expires.
func (s *Stream) Cleanup(ctx context.Context, grace time.Duration) error {
	if grace <= 0 {
		grace = s.cfg.CleanupGrace
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn, err := s.writeConn()
	if err != nil {
		return err
	}
	if err := conn.Expire(ctx, s.key, grace).Err(); err != nil {
		s.dropWriter()
		return errors.Wrapf(err, "failed to shorten ttl of %s", s.key)
	}

	s.logger.WithField("grace", grace).Debug("stream scheduled for expiry")
	return nil
}

// Close releases the stream's connections. It is safe to call when nothing
// was opened and more than once.
func (s *Stream) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	s.closeMu.Unlock()

	var result *multierror.Error

	s.writeMu.Lock()
	if s.writer != nil {
		if err := s.writer.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "failed to close stream writer"))
		}
		s.writer = nil
	}
	s.writeMu.Unlock()

	// A reader blocked in XREAD holds readMu until its timeout elapses.
	s.readMu.Lock()
	if s.reader != nil {
		if err := s.reader.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "failed to close stream reader"))
		}
		s.reader = nil
	}
	s.readMu.Unlock()

	return result.ErrorOrNil()
}

func (s *Stream) isClosed() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closed
}

// writeConn returns the writer connection, opening it on first use.
// Callers hold writeMu.
func (s *Stream) writeConn() (*redis.Conn, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	if s.writer == nil {
		s.writer = s.client.Conn()
	}
	return s.writer, nil
}

// readConn returns the reader connection, opening it on first use.
// Callers hold readMu.
func (s *Stream) readConn() (*redis.Conn, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	if s.reader == nil {
		s.reader = s.client.Conn()
	}
	return s.reader, nil
}

// dropWriter discards a connection that failed so the next call reopens it.
func (s *Stream) dropWriter() {
	if s.writer != nil {
		_ = s.writer.Close()
		s.writer = nil
	}
}

func (s *Stream) dropReader() {
	if s.reader != nil {
		_ = s.reader.Close()
		s.reader = nil
	}
}

func toEntry(msg redis.XMessage) Entry {
	entry := Entry{ID: msg.ID}
	switch v := msg.Values[EventField].(type) {
	case string:
		entry.Payload = json.RawMessage(v)
	case []byte:
		entry.Payload = json.RawMessage(v)
	}
	return entry
}
