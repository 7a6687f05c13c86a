package chat

import (
	"bytes"
	"iter"
	"log/slog"
	"strings"
)

// Record is one complete event-stream record, without its blank-line delimiter.
type Record string

var recordDelimiter = []byte("\n\n")

// Assembler turns arbitrarily split response bytes into complete records.
// Incomplete tails are held until a later chunk completes them.
type Assembler struct {
	buf       []byte
	logger    *slog.Logger
	onAnomaly func(reason string)
}

func NewAssembler(logger *slog.Logger, onAnomaly func(reason string)) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{logger: logger, onAnomaly: onAnomaly}
}

// Feed buffers chunk and returns the records it completes. The chunk is taken
// immediately; records left unconsumed by an early break stay buffered and are
// returned by the next Feed or Close.
func (a *Assembler) Feed(chunk []byte) iter.Seq[Record] {
	for _, c := range chunk {
		if c != '\r' {
			a.buf = append(a.buf, c)
		}
	}
	return func(yield func(Record) bool) {
		for {
			i := bytes.Index(a.buf, recordDelimiter)
			if i < 0 {
				return
			}
			raw := string(a.buf[:i])
			a.buf = a.buf[i+len(recordDelimiter):]
			if strings.TrimSpace(raw) == "" {
				continue
			}
			if !yield(Record(raw)) {
				return
			}
		}
	}
}

// Close flushes any complete records still buffered, then inspects the
// undelimited tail. A bare terminator is emitted; anything else is dropped.
func (a *Assembler) Close() iter.Seq[Record] {
	return func(yield func(Record) bool) {
		for rec := range a.Feed(nil) {
			if !yield(rec) {
				return
			}
		}
		tail := strings.TrimSpace(string(a.buf))
		a.buf = a.buf[:0]
		if tail == "" {
			return
		}
		if isTerminator(tail) {
			yield(Record(tail))
			return
		}
		a.logger.Warn("discarding incomplete stream record", "bytes", len(tail))
		if a.onAnomaly != nil {
			a.onAnomaly("truncated_record")
		}
	}
}

// Buffered reports how many bytes are waiting for a delimiter.
func (a *Assembler) Buffered() int {
	return len(a.buf)
}

func isTerminator(s string) bool {
	if s == doneSentinel {
		return true
	}
	if rest, ok := strings.CutPrefix(s, "data:"); ok {
		return strings.TrimSpace(rest) == doneSentinel
	}
	return false
}
