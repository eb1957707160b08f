package supervisor

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	"github.com/acarl005/stripansi"
)

const (
	defaultTailBytes = 64 * 1024 // tail kept in memory per run for error context

	// maxPendingEscape bounds how many bytes of an unterminated escape
	// sequence are held back between writes.
	maxPendingEscape = 64
)

// outputFile captures the combined stdout/stderr of an engine process. Bytes
// go straight to disk so a slow or absent reader never applies backpressure
// to the producing process. ANSI escape sequences are stripped so the stored
// log stays grep-able; a sequence split across pipe reads is held back until
// its terminator arrives.
type outputFile struct {
	path string

	mu      sync.Mutex
	file    *os.File
	tail    *tailBuffer
	pending []byte // trailing bytes of an unterminated escape sequence
	closed  bool
}

func newOutputFile(path string) (*outputFile, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file %s: %w", path, err)
	}
	return &outputFile{
		path: path,
		file: f,
		tail: newTailBuffer(defaultTailBytes),
	}, nil
}

func (o *outputFile) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return 0, fmt.Errorf("output file %s is closed", o.path)
	}

	raw := p
	if len(o.pending) > 0 {
		raw = append(o.pending, p...)
		o.pending = nil
	}
	head, tail := splitTrailingEscape(raw)
	if len(tail) > 0 {
		o.pending = append([]byte(nil), tail...)
	}

	clean := []byte(stripansi.Strip(string(head)))
	if _, err := o.file.Write(clean); err != nil {
		return 0, err
	}
	_, _ = o.tail.Write(clean)
	// Report the original length so the pipe copier doesn't error on the
	// stripped-byte difference.
	return len(p), nil
}

// splitTrailingEscape splits off an unterminated escape sequence at the end
// of raw so it can be completed by the next write. Sequences that never
// terminate within maxPendingEscape bytes are passed through as-is.
func splitTrailingEscape(raw []byte) (head, tail []byte) {
	i := bytes.LastIndexByte(raw, 0x1b)
	if i == -1 {
		return raw, nil
	}
	seq := raw[i:]
	if len(seq) > maxPendingEscape || escapeTerminated(seq) {
		return raw, nil
	}
	return raw[:i], seq
}

// escapeTerminated reports whether seq, which starts with ESC, contains its
// final byte. Only CSI sequences (ESC '[') span multiple bytes in engine
// output; anything else is treated as complete.
func escapeTerminated(seq []byte) bool {
	if len(seq) == 1 {
		return false
	}
	if seq[1] != '[' {
		return true
	}
	for _, b := range seq[2:] {
		if b >= 0x40 && b <= 0x7e {
			return true
		}
	}
	return false
}

// Close flushes the file to disk. After Close returns, every byte the process
// produced is visible to readers of the file.
func (o *outputFile) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil
	}
	o.closed = true

	if len(o.pending) > 0 {
		// The process exited mid-sequence; write what it produced.
		clean := []byte(stripansi.Strip(string(o.pending)))
		o.pending = nil
		if _, err := o.file.Write(clean); err != nil {
			_ = o.file.Close()
			return err
		}
		_, _ = o.tail.Write(clean)
	}

	if err := o.file.Sync(); err != nil {
		_ = o.file.Close()
		return err
	}
	return o.file.Close()
}

// Tail returns the most recent captured bytes.
func (o *outputFile) Tail() []byte {
	return o.tail.Bytes()
}

// tailBuffer keeps only the last N bytes written to it so failure context can
// be attached to a run record without retaining the whole log in memory.
type tailBuffer struct {
	maxBytes int

	mu       sync.Mutex
	total    int64
	contents []byte
	overflow bool
}

func newTailBuffer(maxBytes int) *tailBuffer {
	if maxBytes <= 0 {
		maxBytes = defaultTailBytes
	}
	return &tailBuffer{
		maxBytes: maxBytes,
		contents: make([]byte, 0, maxBytes),
	}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total += int64(len(p))
	b.contents = append(b.contents, p...)
	if len(b.contents) > b.maxBytes {
		b.contents = b.contents[len(b.contents)-b.maxBytes:]
		b.overflow = true
	}
	return len(p), nil
}

func (b *tailBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	cp := make([]byte, len(b.contents))
	copy(cp, b.contents)
	return cp
}

func (b *tailBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overflow
}
