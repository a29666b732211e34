// Package progress publishes a run's progress to a JSON document on disk.
// Publishing never fails the pipeline, and only run boundaries wait for the
// writer.
package progress

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Iron-Ham/devstack/internal/logging"
)

// DefaultBuffer is the number of updates queued before new ones are dropped.
const DefaultBuffer = 256

// UpdateKind identifies what an Update changes.
type UpdateKind int

const (
	RunStarted UpdateKind = iota
	PhaseStarted
	PhaseFinished
	UnitChanged
	RunFinished
)

// Update is one change to the progress document.
type Update struct {
	Kind UpdateKind
	Time time.Time

	// RunStarted
	RunID     string
	Namespace string
	Phases    []string

	// PhaseStarted, PhaseFinished, UnitChanged
	Phase   string
	Unit    string
	Status  string
	Message string
	ETA     string

	// RunFinished
	Degraded bool
}

// Publisher applies updates to a Document and rewrites the file after each
// batch. A single goroutine owns the document and the file.
type Publisher struct {
	path   string
	logger *logging.Logger
	now    func() time.Time
	write  func(path string, data []byte) error

	mu     sync.RWMutex // guards closed and the send on updates
	closed bool

	updates chan Update
	done    chan struct{}
	dropped atomic.Int64

	docMu sync.Mutex
	doc   Document
}

// NewPublisher starts a publisher writing to path. Close must be called to
// flush pending updates.
func NewPublisher(path string, logger *logging.Logger) *Publisher {
	return newPublisher(path, logger, DefaultBuffer, writeAtomic)
}

func newPublisher(path string, logger *logging.Logger, buffer int, write func(string, []byte) error) *Publisher {
	if logger == nil {
		logger = logging.NopLogger()
	}
	p := &Publisher{
		path:    path,
		logger:  logger,
		now:     time.Now,
		write:   write,
		updates: make(chan Update, buffer),
		done:    make(chan struct{}),
		doc:     newDocument(),
	}
	go p.loop()
	return p
}

func newDocument() Document {
	return Document{
		Phases: make(map[string]PhaseState),
		Units:  make(map[string]UnitState),
	}
}

// Publish enqueues u. Phase and unit updates never block: when the queue is
// full they are dropped and logged. RunStarted and RunFinished wait for
// queue space, so a document always records where its run began and ended.
func (p *Publisher) Publish(u Update) {
	if u.Time.IsZero() {
		u.Time = p.now()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	if u.Kind == RunStarted || u.Kind == RunFinished {
		p.updates <- u
		return
	}
	select {
	case p.updates <- u:
	default:
		n := p.dropped.Add(1)
		p.logger.Warn("progress update dropped", "kind", u.Kind, "phase", u.Phase, "unit", u.Unit, "dropped_total", n)
	}
}

// Dropped returns how many updates were discarded because the queue was full.
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

// Close stops accepting updates and waits until everything queued is written.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return
	}
	p.closed = true
	close(p.updates)
	p.mu.Unlock()
	<-p.done
}

// Snapshot returns a copy of the current document.
func (p *Publisher) Snapshot() Document {
	p.docMu.Lock()
	defer p.docMu.Unlock()
	return p.doc.clone()
}

func (p *Publisher) loop() {
	defer close(p.done)
	for u := range p.updates {
		p.apply(u)
		// Coalesce whatever else is already queued into one write.
	drain:
		for {
			select {
			case next, ok := <-p.updates:
				if !ok {
					break drain
				}
				p.apply(next)
			default:
				break drain
			}
		}
		p.flush()
	}
}

func (p *Publisher) apply(u Update) {
	p.docMu.Lock()
	defer p.docMu.Unlock()
	d := &p.doc

	switch u.Kind {
	case RunStarted:
		*d = newDocument()
		d.RunID = u.RunID
		d.Namespace = u.Namespace
		d.StartTime = u.Time
		d.PhaseOrder = append([]string(nil), u.Phases...)
		for _, ph := range u.Phases {
			d.Phases[ph] = PhaseState{Status: StatusPending}
		}
	case PhaseStarted:
		started := u.Time
		d.Phases[u.Phase] = PhaseState{
			Status:    StatusInProgress,
			Message:   u.Message,
			ETA:       u.ETA,
			StartedAt: &started,
		}
		for i, ph := range d.PhaseOrder {
			if ph == u.Phase {
				d.CurrentPhase = i + 1
			}
		}
	case PhaseFinished:
		ps := d.Phases[u.Phase]
		ps.Status = u.Status
		if u.Message != "" {
			ps.Message = u.Message
		}
		if ps.StartedAt != nil {
			ps.DurationMS = u.Time.Sub(*ps.StartedAt).Milliseconds()
		}
		d.Phases[u.Phase] = ps
	case UnitChanged:
		d.Units[u.Unit] = UnitState{Phase: u.Phase, Status: u.Status, Step: u.Message}
	case RunFinished:
		d.Completed = true
		d.Degraded = u.Degraded
	}
	d.UpdatedAt = u.Time
}

func (p *Publisher) flush() {
	p.docMu.Lock()
	data, err := json.MarshalIndent(p.doc, "", "  ")
	p.docMu.Unlock()
	if err != nil {
		p.logger.Warn("failed to render progress document", "error", err)
		return
	}
	if err := p.write(p.path, data); err != nil {
		p.logger.Warn("failed to write progress document", "path", p.path, "error", err)
	}
}

func (d Document) clone() Document {
	out := d
	out.PhaseOrder = append([]string(nil), d.PhaseOrder...)
	out.Phases = make(map[string]PhaseState, len(d.Phases))
	for k, v := range d.Phases {
		out.Phases[k] = v
	}
	out.Units = make(map[string]UnitState, len(d.Units))
	for k, v := range d.Units {
		out.Units[k] = v
	}
	return out
}
