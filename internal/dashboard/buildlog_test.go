package dashboard

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestBuildLogs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "build_output.log")
	h := New(Config{BuildLogPath: path})

	var empty struct {
		Logs []string `json:"logs"`
	}
	getJSON(t, h, "/api/build-logs", http.StatusOK, &empty)
	if empty.Logs == nil || len(empty.Logs) != 0 {
		t.Errorf("missing log = %v, want an empty list", empty.Logs)
	}

	var content strings.Builder
	for i := 1; i <= 5; i++ {
		fmt.Fprintf(&content, "[build] [api] step %d\n", i)
	}
	if err := os.WriteFile(path, []byte(content.String()), 0644); err != nil {
		t.Fatal(err)
	}

	var got struct {
		Logs []string `json:"logs"`
	}
	getJSON(t, h, "/api/build-logs?tail=2", http.StatusOK, &got)
	want := []string{"[build] [api] step 4", "[build] [api] step 5"}
	if strings.Join(got.Logs, "|") != strings.Join(want, "|") {
		t.Errorf("logs = %v, want %v", got.Logs, want)
	}

	getJSON(t, h, "/api/build-logs?tail=0", http.StatusBadRequest, nil)
	getJSON(t, New(Config{}), "/api/build-logs", http.StatusServiceUnavailable, nil)
}

func TestReadAppended(t *testing.T) {
	path := filepath.Join(t.TempDir(), "build_output.log")

	lines, offset, rest, err := readAppended(path, 0, "")
	if err != nil || len(lines) != 0 || offset != 0 || rest != "" {
		t.Fatalf("missing file = %v, %d, %q, %v", lines, offset, rest, err)
	}

	if err := os.WriteFile(path, []byte("one\ntw"), 0644); err != nil {
		t.Fatal(err)
	}
	lines, offset, rest, err = readAppended(path, 0, "")
	if err != nil || strings.Join(lines, "|") != "one" || offset != 6 || rest != "tw" {
		t.Fatalf("first read = %v, %d, %q, %v", lines, offset, rest, err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("o\nthree\n")
	_ = f.Close()
	lines, offset, rest, err = readAppended(path, offset, rest)
	if err != nil || strings.Join(lines, "|") != "two|three" || rest != "" {
		t.Fatalf("appended read = %v, %d, %q, %v", lines, offset, rest, err)
	}

	// A new run truncates the file.
	if err := os.WriteFile(path, []byte("fresh\n"), 0644); err != nil {
		t.Fatal(err)
	}
	lines, _, _, err = readAppended(path, offset, "")
	if err != nil || strings.Join(lines, "|") != "fresh" {
		t.Fatalf("truncated read = %v, %v", lines, err)
	}
}

func TestBuildLogsStream(t *testing.T) {
	buildLogPoll = 10 * time.Millisecond
	t.Cleanup(func() { buildLogPoll = 500 * time.Millisecond })

	path := filepath.Join(t.TempDir(), "build_output.log")
	if err := os.WriteFile(path, []byte("[setup] [api] cloning\n"), 0644); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(New(Config{BuildLogPath: path}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/build-logs/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	events := make(chan buildLogEvent)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev buildLogEvent
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev) == nil {
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	next := func() buildLogEvent {
		t.Helper()
		select {
		case ev := <-events:
			return ev
		case <-ctx.Done():
			t.Fatal("timed out waiting for a build log event")
			return buildLogEvent{}
		}
	}

	if ev := next(); ev.Log != "[setup] [api] cloning" {
		t.Fatalf("first event = %+v", ev)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("[build] [api] #1 done\n")
	_ = f.Close()
	if ev := next(); ev.Log != "[build] [api] #1 done" {
		t.Fatalf("second event = %+v", ev)
	}
}
