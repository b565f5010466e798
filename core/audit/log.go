package audit

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/buskeeper/buskeeper/core/infra/logging"
	"github.com/buskeeper/buskeeper/core/infra/metrics"
	"github.com/buskeeper/buskeeper/core/mediation"
)

// Logger assigns sequence numbers and persists audit records. In buffered
// mode the decision path only pays for a channel send; a full buffer or a
// failing sink drops the record (counted) rather than blocking mediation.
// In strict mode every record is written synchronously and a sink failure is
// surfaced so the caller can refuse to proceed unaudited.
type Logger struct {
	sink    Sink
	stream  *Stream
	metrics metrics.Metrics
	strict  bool

	seq     atomic.Uint64
	dropped atomic.Uint64

	buf      chan Record
	wg       sync.WaitGroup
	closing  chan struct{}
	closeOne sync.Once
}

// Options configures the audit logger.
type Options struct {
	Strict     bool
	BufferSize int
	Metrics    metrics.Metrics
}

// NewLogger starts the background writer (buffered mode only).
func NewLogger(sink Sink, stream *Stream, opts Options) *Logger {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1024
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	l := &Logger{
		sink:    sink,
		stream:  stream,
		metrics: opts.Metrics,
		strict:  opts.Strict,
		buf:     make(chan Record, opts.BufferSize),
		closing: make(chan struct{}),
	}
	if !l.strict {
		l.wg.Add(1)
		go l.writeLoop()
	}
	return l
}

// Strict reports whether the logger refuses unaudited decisions.
func (l *Logger) Strict() bool {
	return l.strict
}

// Seq returns the last assigned sequence number.
func (l *Logger) Seq() uint64 {
	return l.seq.Load()
}

// Dropped returns how many records could not be persisted.
func (l *Logger) Dropped() uint64 {
	return l.dropped.Load()
}

// Record stamps and persists rec. The returned error is non-nil only in
// strict mode, where an unwritable audit record must veto the decision.
func (l *Logger) Record(rec Record) error {
	rec.Seq = l.seq.Add(1)
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	rec.Detail = SanitizeDetail(rec.Detail)

	if l.stream != nil {
		l.stream.Publish(rec)
	}

	if l.strict {
		if err := l.sink.Write(rec); err != nil {
			l.dropped.Add(1)
			l.metrics.IncAuditDropped()
			return mediation.Wrap(mediation.CodeInternal, rec.Category, "audit sink unavailable", err)
		}
		return nil
	}

	select {
	case l.buf <- rec:
	case <-l.closing:
		l.dropped.Add(1)
		l.metrics.IncAuditDropped()
	default:
		l.dropped.Add(1)
		l.metrics.IncAuditDropped()
		logging.Warn("audit", "buffer full, record dropped", "seq", rec.Seq, "verdict", rec.Verdict)
	}
	return nil
}

func (l *Logger) writeLoop() {
	defer l.wg.Done()
	for {
		select {
		case rec := <-l.buf:
			l.write(rec)
		case <-l.closing:
			for {
				select {
				case rec := <-l.buf:
					l.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) write(rec Record) {
	if err := l.sink.Write(rec); err != nil {
		l.dropped.Add(1)
		l.metrics.IncAuditDropped()
		logging.Error("audit", "sink write failed", "seq", rec.Seq, "error", err)
	}
}

// Close drains the buffer and closes the sink.
func (l *Logger) Close() error {
	l.closeOne.Do(func() { close(l.closing) })
	l.wg.Wait()
	return l.sink.Close()
}
