package dashboard

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultBuildLogTail = 200

// buildLogPoll is how often the build log stream checks the file for growth.
var buildLogPoll = 500 * time.Millisecond

// tailFile returns the last n lines of path, or none if it does not exist.
func tailFile(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	lines := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if len(lines) == n {
			lines = append(lines[:0], lines[1:]...)
		}
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

func (s *server) handleBuildLogs(w http.ResponseWriter, r *http.Request) {
	if s.cfg.BuildLogPath == "" {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "no build log configured")
		return
	}
	tail := defaultBuildLogTail
	if raw := strings.TrimSpace(r.URL.Query().Get("tail")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxLogTail {
			writeError(w, http.StatusBadRequest, "invalid_tail", fmt.Sprintf("tail must be between 1 and %d", maxLogTail))
			return
		}
		tail = parsed
	}
	lines, err := tailFile(s.cfg.BuildLogPath, tail)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "build_log_unreadable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"logs":      lines,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type buildLogEvent struct {
	Log   string `json:"log,omitempty"`
	Error string `json:"error,omitempty"`
}

// handleBuildLogsStream sends each line appended to the build log. A file
// that shrinks was rewritten by a new run and is read again from the start.
func (s *server) handleBuildLogsStream(w http.ResponseWriter, r *http.Request) {
	if s.cfg.BuildLogPath == "" {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "no build log configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_not_supported", "response cannot be streamed")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	poll := time.NewTicker(buildLogPoll)
	defer poll.Stop()
	ping := time.NewTicker(heartbeat)
	defer ping.Stop()

	var offset int64
	var partial string
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-poll.C:
			lines, next, rest, err := readAppended(s.cfg.BuildLogPath, offset, partial)
			if err != nil {
				if writeSSE(w, buildLogEvent{Error: err.Error()}) != nil {
					return
				}
				continue
			}
			offset, partial = next, rest
			for _, line := range lines {
				if strings.TrimSpace(line) == "" {
					continue
				}
				if writeSSE(w, buildLogEvent{Log: line}) != nil {
					return
				}
			}
		}
	}
}

// readAppended reads path from offset and returns the complete lines found,
// the new offset and the unterminated remainder.
func readAppended(path string, offset int64, partial string) ([]string, int64, string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, 0, "", nil
	}
	if err != nil {
		return nil, offset, partial, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, offset, partial, err
	}
	if info.Size() < offset {
		offset, partial = 0, ""
	}
	if info.Size() == offset {
		return nil, offset, partial, nil
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, partial, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, offset, partial, err
	}
	text := partial + string(data)
	lines := strings.Split(text, "\n")
	rest := lines[len(lines)-1]
	return lines[:len(lines)-1], offset + int64(len(data)), rest, nil
}
