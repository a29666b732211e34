package collector

import (
	"bytes"
	"io"
	"sync"
)

// DefaultTailLines is how many lines of task output are kept for display.
const DefaultTailLines = 20

// LogBuffer is an io.Writer that keeps the last N complete lines written to
// it, plus any unterminated trailing text. It is safe for concurrent use.
type LogBuffer struct {
	mu      sync.Mutex
	max     int
	lines   []string
	partial []byte
	tee     io.Writer
}

// NewLogBuffer creates a buffer keeping at most max lines.
func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = DefaultTailLines
	}
	return &LogBuffer{max: max}
}

// Tee copies everything written to the buffer to w as well.
func (b *LogBuffer) Tee(w io.Writer) *LogBuffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tee = w
	return b
}

// Write implements io.Writer.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tee != nil {
		// A failing tee must not fail the task writing to us.
		_, _ = b.tee.Write(p)
	}

	data := append(b.partial, p...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		b.push(string(bytes.TrimRight(data[:i], "\r")))
		data = data[i+1:]
	}
	b.partial = append(b.partial[:0:0], data...)
	return len(p), nil
}

// Println appends one line.
func (b *LogBuffer) Println(line string) {
	_, _ = b.Write([]byte(line + "\n"))
}

func (b *LogBuffer) push(line string) {
	b.lines = append(b.lines, line)
	if len(b.lines) > b.max {
		b.lines = append(b.lines[:0:0], b.lines[len(b.lines)-b.max:]...)
	}
}

// Tail returns a copy of the retained lines, including any unterminated text.
func (b *LogBuffer) Tail() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, 0, len(b.lines)+1)
	out = append(out, b.lines...)
	if len(b.partial) > 0 {
		out = append(out, string(b.partial))
		if len(out) > b.max {
			out = out[len(out)-b.max:]
		}
	}
	return out
}
