package pipeline

import (
	"bytes"
	"fmt"
	"io"
	"sync"
)

// buildLog interleaves the output of concurrent unit tasks into one writer.
// Lines are written whole and prefixed with their phase and unit.
type buildLog struct {
	mu sync.Mutex
	w  io.Writer
}

func (b *buildLog) writeLines(prefix string, lines []byte) {
	var out bytes.Buffer
	for _, line := range bytes.SplitAfter(lines, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		out.WriteString(prefix)
		out.Write(line)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, _ = b.w.Write(out.Bytes())
}

// unitWriter returns a writer for one unit task. Call flush when the task
// is done to emit an unterminated last line.
func (b *buildLog) unitWriter(phase, unit string) *unitLogWriter {
	return &unitLogWriter{log: b, prefix: fmt.Sprintf("[%s] [%s] ", phase, unit)}
}

type unitLogWriter struct {
	log     *buildLog
	prefix  string
	mu      sync.Mutex
	partial []byte
}

func (u *unitLogWriter) Write(p []byte) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	data := append(u.partial, p...)
	i := bytes.LastIndexByte(data, '\n')
	if i < 0 {
		u.partial = data
		return len(p), nil
	}
	u.log.writeLines(u.prefix, data[:i+1])
	u.partial = append(u.partial[:0:0], data[i+1:]...)
	return len(p), nil
}

func (u *unitLogWriter) flush() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.partial) > 0 {
		u.log.writeLines(u.prefix, append(u.partial, '\n'))
		u.partial = nil
	}
}
