package journal

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultQueueDepth = 256

// ErrSinkClosed is returned by Handle once Close has begun.
var ErrSinkClosed = errors.New("journal: log sink closed")

// LogSink is a slog.Handler that persists records into the journal's logs
// table. Inserts run on a background goroutine behind a bounded queue; a full
// queue drops the record and counts the drop instead of stalling the caller.
type LogSink struct {
	core   *sinkCore
	attrs  []slog.Attr
	groups []string
}

type sinkCore struct {
	journal *Journal
	min     slog.Level

	queue  chan logEntry
	ctx    context.Context
	cancel context.CancelFunc

	inserter sync.WaitGroup
	pending  sync.WaitGroup
	closed   atomic.Bool
	dropped  atomic.Uint64
}

type logEntry struct {
	At      time.Time
	Level   string
	Scope   string
	Message string
	Attrs   []byte
}

// SinkOption customizes a LogSink.
type SinkOption func(*sinkCore)

// WithMinLevel sets the lowest level the sink persists. Defaults to Info.
func WithMinLevel(level slog.Level) SinkOption {
	return func(c *sinkCore) { c.min = level }
}

// WithQueueDepth bounds the in-flight record queue.
func WithQueueDepth(n int) SinkOption {
	return func(c *sinkCore) {
		if n > 0 {
			c.queue = make(chan logEntry, n)
		}
	}
}

// NewLogSink starts the sink's background inserter over the journal.
func NewLogSink(j *Journal, opts ...SinkOption) *LogSink {
	ctx, cancel := context.WithCancel(context.Background())
	core := &sinkCore{
		journal: j,
		min:     slog.LevelInfo,
		queue:   make(chan logEntry, defaultQueueDepth),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(core)
	}
	core.inserter.Add(1)
	go core.run()
	return &LogSink{core: core}
}

func (s *LogSink) Enabled(_ context.Context, level slog.Level) bool {
	return level >= s.core.min
}

func (s *LogSink) Handle(ctx context.Context, record slog.Record) error {
	if !s.Enabled(ctx, record.Level) {
		return nil
	}
	if s.core.closed.Load() {
		return ErrSinkClosed
	}
	// pending straddles the closed re-check so Close cannot finish between
	// the check and the enqueue.
	s.core.pending.Add(1)
	defer s.core.pending.Done()
	if s.core.closed.Load() {
		return ErrSinkClosed
	}

	entry := logEntry{
		At:      record.Time,
		Level:   record.Level.String(),
		Scope:   strings.Join(s.groups, "."),
		Message: record.Message,
		Attrs:   s.encodeAttrs(record),
	}
	if entry.At.IsZero() {
		entry.At = time.Now()
	}

	select {
	case s.core.queue <- entry:
	default:
		s.core.dropped.Add(1)
	}
	return nil
}

func (s *LogSink) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := &LogSink{
		core:   s.core,
		attrs:  append(append([]slog.Attr{}, s.attrs...), attrs...),
		groups: append([]string{}, s.groups...),
	}
	return clone
}

func (s *LogSink) WithGroup(name string) slog.Handler {
	if name == "" {
		return s
	}
	clone := &LogSink{
		core:   s.core,
		attrs:  append([]slog.Attr{}, s.attrs...),
		groups: append(append([]string{}, s.groups...), name),
	}
	return clone
}

// Close flushes queued rows and stops the inserter. Records arriving after
// Close begins are rejected with ErrSinkClosed; repeated calls are no-ops.
func (s *LogSink) Close(ctx context.Context) error {
	c := s.core
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.pending.Wait()
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.inserter.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped reports how many records a full queue discarded.
func (s *LogSink) Dropped() uint64 { return s.core.dropped.Load() }

func (c *sinkCore) run() {
	defer c.inserter.Done()
	for {
		select {
		case e := <-c.queue:
			c.insert(e)
		case <-c.ctx.Done():
			for {
				select {
				case e := <-c.queue:
					c.insert(e)
				default:
					return
				}
			}
		}
	}
}

func (c *sinkCore) insert(e logEntry) {
	_ = c.journal.insertLog(context.Background(), e)
}

// encodeAttrs renders the handler's bound attrs plus the record's attrs as a
// JSON object, nesting group names as sub-objects.
func (s *LogSink) encodeAttrs(record slog.Record) []byte {
	root := map[string]any{}
	scope := groupTarget(root, s.groups)
	for _, a := range s.attrs {
		putAttr(scope, a)
	}
	record.Attrs(func(a slog.Attr) bool {
		putAttr(scope, a)
		return true
	})
	if len(root) == 0 {
		return []byte("{}")
	}
	data, err := json.Marshal(root)
	if err != nil {
		return []byte("{}")
	}
	return data
}

func groupTarget(root map[string]any, groups []string) map[string]any {
	target := root
	for _, g := range groups {
		if g == "" {
			continue
		}
		next, ok := target[g].(map[string]any)
		if !ok {
			next = map[string]any{}
			target[g] = next
		}
		target = next
	}
	return target
}

func putAttr(dst map[string]any, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Value.Kind() == slog.KindGroup {
		target := dst
		if a.Key != "" {
			target = groupTarget(dst, []string{a.Key})
		}
		for _, child := range a.Value.Group() {
			putAttr(target, child)
		}
		return
	}
	if a.Key == "" {
		return
	}
	switch a.Value.Kind() {
	case slog.KindString:
		dst[a.Key] = a.Value.String()
	case slog.KindInt64:
		dst[a.Key] = a.Value.Int64()
	case slog.KindUint64:
		dst[a.Key] = a.Value.Uint64()
	case slog.KindFloat64:
		dst[a.Key] = a.Value.Float64()
	case slog.KindBool:
		dst[a.Key] = a.Value.Bool()
	case slog.KindDuration:
		dst[a.Key] = a.Value.Duration().String()
	case slog.KindTime:
		dst[a.Key] = a.Value.Time().UTC()
	default:
		dst[a.Key] = a.Value.Any()
	}
}
