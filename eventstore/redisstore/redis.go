package redisstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ggoodman/mcp-session-go/eventstore"
	"github.com/ggoodman/mcp-session-go/jsonrpc"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis-backed event store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: EVENTSTORE_KEY_PREFIX
	KeyPrefix string `env:"EVENTSTORE_KEY_PREFIX,default=mcp:events:"`
	// BlockInterval bounds how long a reader waits in XREAD before re-checking
	// stream metadata. ENV: EVENTSTORE_BLOCK_INTERVAL
	BlockInterval time.Duration `env:"EVENTSTORE_BLOCK_INTERVAL,default=500ms"`
}

const (
	defaultKeyPrefix     = "mcp:events:"
	defaultBlockInterval = 500 * time.Millisecond
	readBatch            = 100
)

// Option customizes a Store.
type Option func(*Store)

// WithExpiration overrides eventstore.DefaultOptions.
func WithExpiration(o eventstore.Options) Option {
	return func(s *Store) { s.opts = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// Store implements eventstore.Store on Redis. Each stream is a metadata hash
// plus a Redis Stream whose entry ids are "<seq>-0", so sequence order and
// Redis order coincide.
type Store struct {
	client    redis.UniversalClient
	ownClient bool
	keyPrefix string
	block     time.Duration
	opts      eventstore.Options
	log       *slog.Logger
}

var _ eventstore.Store = (*Store)(nil)

// New connects to Redis and verifies the connection.
func New(cfg Config, opts ...Option) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	s := NewFromClient(cl, cfg, opts...)
	s.ownClient = true
	return s, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv(opts ...Option) (*Store, error) {
	var cfg Config
	// Defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	return New(cfg, opts...)
}

// NewFromClient wraps an existing client. Close leaves the client open.
func NewFromClient(cl redis.UniversalClient, cfg Config, opts ...Option) *Store {
	s := &Store{
		client:    cl,
		keyPrefix: cfg.KeyPrefix,
		block:     cfg.BlockInterval,
		opts:      eventstore.DefaultOptions(),
		log:       slog.New(slog.DiscardHandler),
	}
	if s.keyPrefix == "" {
		s.keyPrefix = defaultKeyPrefix
	}
	if s.block <= 0 {
		s.block = defaultBlockInterval
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the Redis client when the store created it.
func (s *Store) Close() error {
	if s.ownClient {
		return s.client.Close()
	}
	return nil
}

// --- Key helpers ---

func (s *Store) metaKey(streamID string) string {
	return s.keyPrefix + "stream:" + streamID + ":meta"
}
func (s *Store) eventsKey(streamID string) string {
	return s.keyPrefix + "stream:" + streamID + ":events"
}
func (s *Store) sessionKey(sessionID string) string {
	return s.keyPrefix + "session:" + sessionID + ":streams"
}

func (s *Store) ttlArgs(now time.Time) []any {
	return []any{
		now.UnixMilli(),
		s.opts.EventSlidingTTL.Milliseconds(),
		s.opts.EventAbsoluteTTL.Milliseconds(),
		s.opts.MetadataSlidingTTL.Milliseconds(),
		s.opts.MetadataAbsoluteTTL.Milliseconds(),
	}
}

// --- Scripts ---

// The expiry helper mirrors eventstore.Deadline: min(sliding, created+absolute-now),
// with zero disabling a bound. ARGV[1..5] are now, event sliding/absolute and
// metadata sliding/absolute, all in milliseconds.
const luaExpire = `
local function ttl(created, now, sliding, absolute)
  local t = -1
  if sliding > 0 then t = sliding end
  if absolute > 0 then
    local rem = created + absolute - now
    if t < 0 or rem < t then t = rem end
  end
  if t ~= -1 and t < 1 then t = 1 end
  return t
end
local function touch(meta, events, now)
  local created = tonumber(redis.call('HGET', meta, 'created'))
  redis.call('HSET', meta, 'touched', now)
  local mt = ttl(created, now, tonumber(ARGV[4]), tonumber(ARGV[5]))
  if mt > 0 then
    redis.call('PEXPIRE', meta, mt)
    local idx = redis.call('HGET', meta, 'index')
    if idx then
      local cur = redis.call('PTTL', idx)
      if cur == -1 or (cur >= 0 and cur < mt) then redis.call('PEXPIRE', idx, mt) end
    end
  end
  if redis.call('EXISTS', events) == 1 then
    local et = ttl(created, now, tonumber(ARGV[2]), tonumber(ARGV[3]))
    if et > 0 then redis.call('PEXPIRE', events, et) end
  end
  return mt
end
local function push(meta, events, payload, control)
  local seq = redis.call('HINCRBY', meta, 'last_seq', 1)
  redis.call('XADD', events, seq .. '-0', 'p', payload, 'c', control)
  return seq
end
`

// KEYS: meta, events, session index. ARGV[6]: session id.
var createScript = redis.NewScript(luaExpire + `
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
local now = tonumber(ARGV[1])
redis.call('HSET', KEYS[1], 'session', ARGV[6], 'index', KEYS[3], 'created', now, 'touched', now,
  'last_seq', 0, 'mode', 'streaming', 'retry_ms', 0, 'sealed', 0)
redis.call('SADD', KEYS[3], KEYS[1])
touch(KEYS[1], KEYS[2], now)
return 1
`)

// KEYS: meta, events. ARGV[6]: payload, ARGV[7]: control flag.
// Returns the new sequence, -1 when the stream is gone, -2 when sealed.
var appendScript = redis.NewScript(luaExpire + `
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HGET', KEYS[1], 'sealed') == '1' then return -2 end
local seq = push(KEYS[1], KEYS[2], ARGV[6], ARGV[7])
touch(KEYS[1], KEYS[2], tonumber(ARGV[1]))
return seq
`)

// KEYS: meta, events. ARGV[6]: mode, ARGV[7]: retry ms.
// A control entry is appended so that readers blocked in XREAD wake up.
var modeScript = redis.NewScript(luaExpire + `
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HGET', KEYS[1], 'sealed') == '1' then return -2 end
redis.call('HSET', KEYS[1], 'mode', ARGV[6], 'retry_ms', ARGV[7])
push(KEYS[1], KEYS[2], '', '1')
touch(KEYS[1], KEYS[2], tonumber(ARGV[1]))
return 0
`)

// KEYS: meta, events.
var sealScript = redis.NewScript(luaExpire + `
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
if redis.call('HGET', KEYS[1], 'sealed') == '1' then return 0 end
redis.call('HSET', KEYS[1], 'sealed', 1)
push(KEYS[1], KEYS[2], '', '1')
touch(KEYS[1], KEYS[2], tonumber(ARGV[1]))
return 0
`)

// KEYS: meta, events.
var touchScript = redis.NewScript(luaExpire + `
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
touch(KEYS[1], KEYS[2], tonumber(ARGV[1]))
return 1
`)

// --- Store ---

// CreateStream implements eventstore.Store.
func (s *Store) CreateStream(ctx context.Context, sessionID, streamID string) (eventstore.Writer, error) {
	args := append(s.ttlArgs(time.Now()), sessionID)
	created, err := createScript.Run(ctx, s.client, []string{s.metaKey(streamID), s.eventsKey(streamID), s.sessionKey(sessionID)}, args...).Int64()
	if err != nil {
		return nil, fmt.Errorf("create stream: %w", err)
	}
	if created == 0 {
		return nil, fmt.Errorf("%w: %s", eventstore.ErrStreamExists, streamID)
	}
	return &writer{s: s, streamID: streamID}, nil
}

type meta struct {
	sessionID string
	lastSeq   int64
	mode      eventstore.Mode
	retry     time.Duration
	sealed    bool
}

// loadMeta returns ok=false when the stream does not exist or expired.
func (s *Store) loadMeta(ctx context.Context, streamID string) (meta, bool, error) {
	vals, err := s.client.HGetAll(ctx, s.metaKey(streamID)).Result()
	if err != nil {
		return meta{}, false, err
	}
	if len(vals) == 0 {
		return meta{}, false, nil
	}
	m := meta{
		sessionID: vals["session"],
		mode:      eventstore.Mode(vals["mode"]),
		sealed:    vals["sealed"] == "1",
	}
	m.lastSeq, _ = strconv.ParseInt(vals["last_seq"], 10, 64)
	retryMS, _ := strconv.ParseInt(vals["retry_ms"], 10, 64)
	m.retry = time.Duration(retryMS) * time.Millisecond
	return m, true, nil
}

// OpenReader implements eventstore.Store.
func (s *Store) OpenReader(ctx context.Context, sessionID, streamID string, afterSeq int64) (eventstore.Reader, error) {
	m, ok, err := s.loadMeta(ctx, streamID)
	if err != nil {
		return nil, fmt.Errorf("load stream: %w", err)
	}
	if !ok || m.sessionID != sessionID {
		return nil, fmt.Errorf("%w: %s", eventstore.ErrStreamNotFound, streamID)
	}
	return &reader{s: s, streamID: streamID, next: afterSeq + 1}, nil
}

// Resume implements eventstore.Store.
func (s *Store) Resume(ctx context.Context, sessionID, lastEventID string) (eventstore.Reader, error) {
	streamID, seq, err := eventstore.ParseEventID(lastEventID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", eventstore.ErrResumeImpossible, err)
	}
	m, ok, err := s.loadMeta(ctx, streamID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", eventstore.ErrResumeImpossible, err)
	}
	if !ok || m.sessionID != sessionID {
		return nil, fmt.Errorf("%w: unknown stream %s", eventstore.ErrResumeImpossible, streamID)
	}
	if seq > m.lastSeq {
		return nil, fmt.Errorf("%w: event %s was never issued", eventstore.ErrResumeImpossible, lastEventID)
	}
	if seq < m.lastSeq {
		first, err := s.client.XRangeN(ctx, s.eventsKey(streamID), "-", "+", 1).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", eventstore.ErrResumeImpossible, err)
		}
		if len(first) == 0 || entrySeq(first[0].ID) > seq+1 {
			return nil, fmt.Errorf("%w: events after %s expired", eventstore.ErrResumeImpossible, lastEventID)
		}
	}
	return &reader{s: s, streamID: streamID, next: seq + 1}, nil
}

// DeleteSession implements eventstore.Store.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	idx := s.sessionKey(sessionID)
	metas, err := s.client.SMembers(ctx, idx).Result()
	if err != nil {
		return fmt.Errorf("list session streams: %w", err)
	}
	keys := make([]string, 0, 2*len(metas)+1)
	for _, mk := range metas {
		keys = append(keys, mk, strings.TrimSuffix(mk, ":meta")+":events")
	}
	keys = append(keys, idx)
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete session streams: %w", err)
	}
	return nil
}

func entrySeq(id string) int64 {
	if i := strings.IndexByte(id, '-'); i >= 0 {
		id = id[:i]
	}
	seq, _ := strconv.ParseInt(id, 10, 64)
	return seq
}

// --- Writer ---

type writer struct {
	s        *Store
	streamID string
}

func (w *writer) StreamID() string { return w.streamID }

func (w *writer) keys() []string {
	return []string{w.s.metaKey(w.streamID), w.s.eventsKey(w.streamID)}
}

func (w *writer) Append(ctx context.Context, payload jsonrpc.Message) (eventstore.Event, error) {
	control := "0"
	if payload == nil {
		control = "1"
	}
	args := append(w.s.ttlArgs(time.Now()), string(payload), control)
	seq, err := appendScript.Run(ctx, w.s.client, w.keys(), args...).Int64()
	if err != nil {
		return eventstore.Event{}, fmt.Errorf("append event: %w", err)
	}
	switch seq {
	case -1:
		return eventstore.Event{}, fmt.Errorf("%w: %s", eventstore.ErrStreamNotFound, w.streamID)
	case -2:
		return eventstore.Event{}, eventstore.ErrStreamSealed
	}
	var data jsonrpc.Message
	if payload != nil {
		data = append(jsonrpc.Message(nil), payload...)
	}
	return eventstore.Event{
		ID:       eventstore.FormatEventID(w.streamID, seq),
		StreamID: w.streamID,
		Seq:      seq,
		Payload:  data,
	}, nil
}

func (w *writer) SetMode(ctx context.Context, mode eventstore.Mode, retry time.Duration) error {
	args := append(w.s.ttlArgs(time.Now()), string(mode), retry.Milliseconds())
	res, err := modeScript.Run(ctx, w.s.client, w.keys(), args...).Int64()
	if err != nil {
		return fmt.Errorf("set stream mode: %w", err)
	}
	switch res {
	case -1:
		return fmt.Errorf("%w: %s", eventstore.ErrStreamNotFound, w.streamID)
	case -2:
		return eventstore.ErrStreamSealed
	}
	return nil
}

func (w *writer) Seal(ctx context.Context) error {
	if err := sealScript.Run(ctx, w.s.client, w.keys(), w.s.ttlArgs(time.Now())...).Err(); err != nil {
		return fmt.Errorf("seal stream: %w", err)
	}
	return nil
}

func (w *writer) Close(ctx context.Context) error { return w.Seal(ctx) }

// --- Reader ---

type reader struct {
	s        *Store
	streamID string
	next     int64
	retry    time.Duration
	buf      []redis.XMessage
}

func (r *reader) StreamID() string { return r.streamID }

func (r *reader) RetryInterval() time.Duration { return r.retry }

func (r *reader) Next(ctx context.Context) (eventstore.Event, error) {
	eventsKey := r.s.eventsKey(r.streamID)
	for {
		for len(r.buf) > 0 {
			m := r.buf[0]
			r.buf = r.buf[1:]
			seq := entrySeq(m.ID)
			if seq < r.next {
				continue
			}
			r.next = seq + 1
			if m.Values["c"] == "1" {
				continue
			}
			return eventstore.Event{
				ID:       eventstore.FormatEventID(r.streamID, seq),
				StreamID: r.streamID,
				Seq:      seq,
				Payload:  jsonrpc.Message(fieldBytes(m.Values["p"])),
			}, nil
		}

		if err := ctx.Err(); err != nil {
			return eventstore.Event{}, err
		}

		m, ok, err := r.s.loadMeta(ctx, r.streamID)
		if err != nil {
			return eventstore.Event{}, fmt.Errorf("load stream: %w", err)
		}
		if !ok {
			return eventstore.Event{}, io.EOF
		}

		msgs, err := r.s.client.XRangeN(ctx, eventsKey, strconv.FormatInt(r.next, 10)+"-0", "+", readBatch).Result()
		if err != nil {
			return eventstore.Event{}, fmt.Errorf("read events: %w", err)
		}
		if len(msgs) > 0 {
			if first := entrySeq(msgs[0].ID); first > r.next {
				return eventstore.Event{}, fmt.Errorf("%w: events before seq %d expired", eventstore.ErrResumeImpossible, first)
			}
			r.buf = msgs
			r.touch(ctx)
			continue
		}
		if r.next <= m.lastSeq {
			return eventstore.Event{}, fmt.Errorf("%w: events from seq %d expired", eventstore.ErrResumeImpossible, r.next)
		}
		if m.sealed {
			return eventstore.Event{}, io.EOF
		}
		if m.mode == eventstore.ModePolling {
			r.retry = m.retry
			return eventstore.Event{}, eventstore.ErrPolling
		}

		res, err := r.s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{eventsKey, strconv.FormatInt(r.next-1, 10) + "-0"},
			Count:   readBatch,
			Block:   r.s.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return eventstore.Event{}, ctx.Err()
			}
			return eventstore.Event{}, fmt.Errorf("read events: %w", err)
		}
		if len(res) > 0 {
			r.buf = res[0].Messages
		}
	}
}

func (r *reader) touch(ctx context.Context) {
	keys := []string{r.s.metaKey(r.streamID), r.s.eventsKey(r.streamID)}
	if err := touchScript.Run(ctx, r.s.client, keys, r.s.ttlArgs(time.Now())...).Err(); err != nil {
		r.s.log.DebugContext(ctx, "eventstore.touch.fail", slog.String("stream_id", r.streamID), slog.String("err", err.Error()))
	}
}

// fieldBytes accepts string or []byte stream values.
func fieldBytes(v any) []byte {
	switch t := v.(type) {
	case string:
		return []byte(t)
	case []byte:
		return t
	default:
		return []byte(fmt.Sprintf("%v", v))
	}
}
