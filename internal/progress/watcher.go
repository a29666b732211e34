package progress

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Iron-Ham/devstack/internal/logging"
)

// debounce collapses the burst of events a single rewrite produces.
const debounce = 50 * time.Millisecond

// Watcher follows a progress document on disk and delivers each new version.
// Only the latest version is kept when the consumer falls behind.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *logging.Logger

	docs     chan *Document
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewWatcher watches the directory holding path, since the publisher replaces
// the file by rename and a watch on the file itself would be lost.
func NewWatcher(path string, logger *logging.Logger) (*Watcher, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return &Watcher{
		path:    path,
		watcher: fw,
		logger:  logger,
		docs:    make(chan *Document, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Updates delivers the document after every change, starting with the
// current one if it exists.
func (w *Watcher) Updates() <-chan *Document {
	return w.docs
}

// Start begins watching.
func (w *Watcher) Start() {
	go w.watchLoop()
}

// Stop ends watching and closes the Updates channel.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		_ = w.watcher.Close()
	})
	<-w.done
}

func (w *Watcher) watchLoop() {
	defer close(w.done)
	defer close(w.docs)

	w.load()

	debounceTimer := time.NewTimer(0)
	<-debounceTimer.C

	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			debounceTimer.Reset(debounce)

		case <-debounceTimer.C:
			w.load()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("progress watch error", "path", w.path, "error", err)
		}
	}
}

func (w *Watcher) load() {
	doc, err := Read(w.path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Debug("progress document unreadable", "path", w.path, "error", err)
		}
		return
	}
	// Latest wins: replace an undelivered document.
	select {
	case <-w.docs:
	default:
	}
	select {
	case w.docs <- doc:
	default:
	}
}
