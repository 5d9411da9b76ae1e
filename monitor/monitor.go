// Vigil
// Copyright (c) 2024, 2026, Vigil Security GmbH

// Package monitor watches directory trees for new and modified files, feeds
// them through the detection engine and hands detected threats to the
// quarantine store.
package monitor

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/vigil-av/vigil/engine"
)

// Action is the outcome of processing one filesystem event.
type Action int

const (
	// ActionAllowed means the file was scanned and found clean enough to
	// leave alone.
	ActionAllowed Action = iota
	// ActionDetected means a threat was reported but the file was left in
	// place (it predates the detection, or no quarantine store is
	// attached).
	ActionDetected
	// ActionBlocked means a newly created threat was deleted outright.
	ActionBlocked
	// ActionQuarantined means the file was detected and isolated.
	ActionQuarantined
	// ActionSkipped means the file was excluded before scanning.
	ActionSkipped
	// ActionError means the file could not be processed and was left
	// alone. An error is allow-equivalent: failing open never removes or
	// isolates the file.
	ActionError
)

func (a Action) String() string {
	switch a {
	case ActionAllowed:
		return "allowed"
	case ActionDetected:
		return "detected"
	case ActionBlocked:
		return "blocked"
	case ActionQuarantined:
		return "quarantined"
	case ActionSkipped:
		return "skipped"
	case ActionError:
		return "error"
	}
	return "unknown"
}

// EventKind classifies one observed filesystem change.
type EventKind int

const (
	// EventCreated marks a file that appeared after watching began.
	EventCreated EventKind = iota
	// EventModified marks content written to an existing file.
	EventModified
	// EventRenamed marks a file moved away from the observed path.
	EventRenamed
	// EventDeleted marks a file removed from the observed path.
	EventDeleted
)

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventModified:
		return "modified"
	case EventRenamed:
		return "renamed"
	case EventDeleted:
		return "deleted"
	}
	return "unknown"
}

// Event is one observed filesystem change. TargetPath and PID are filled
// only when the watch backend reports them; inotify reports neither, so a
// rename carries the old path and PID stays 0.
type Event struct {
	Kind       EventKind `json:"kind"`
	Path       string    `json:"path"`
	TargetPath string    `json:"target_path,omitempty"`
	PID        int       `json:"pid,omitempty"`
	IsDir      bool      `json:"is_dir,omitempty"`
	Time       time.Time `json:"time"`
}

// kindOf maps a raw watcher op to an event kind. Attribute-only changes
// carry no content and map to nothing.
func kindOf(op fsnotify.Op) (EventKind, bool) {
	switch {
	case op&fsnotify.Create != 0:
		return EventCreated, true
	case op&fsnotify.Write != 0:
		return EventModified, true
	case op&fsnotify.Rename != 0:
		return EventRenamed, true
	case op&fsnotify.Remove != 0:
		return EventDeleted, true
	}
	return 0, false
}

// Decision describes the handling of one file.
type Decision struct {
	Path         string         `json:"path"`
	Event        Event          `json:"event"`
	Action       Action         `json:"action"`
	Verdict      engine.Verdict `json:"verdict"`
	QuarantineID string         `json:"quarantine_id,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Quarantiner isolates a detected file and returns a record ID. Implemented
// by the quarantine store; with a nil Quarantiner, high-severity threats
// are blocked instead of isolated.
type Quarantiner interface {
	Isolate(path string, verdict engine.Verdict) (string, error)
}

// Config controls monitor behavior.
type Config struct {
	// QueueSize bounds the scan queue; further events are dropped until
	// the processor catches up.
	QueueSize int
	// DecisionBuffer bounds the decision channel; decisions are dropped
	// when no consumer keeps up.
	DecisionBuffer int
	// ScanAllFiles disables the dangerous-extension gate.
	ScanAllFiles bool
	// UseMagicFilter restricts scanning to content types matching the
	// allowed magic patterns.
	UseMagicFilter bool
}

// DefaultConfig returns the monitor settings used in production.
func DefaultConfig() Config {
	return Config{
		QueueSize:      10000,
		DecisionBuffer: 256,
	}
}

// Stats is a snapshot of the monitor counters.
type Stats struct {
	EventsSeen  uint64
	Scanned     uint64
	Threats     uint64
	Blocked     uint64
	Quarantined uint64
	Skipped     uint64
	Dropped     uint64
	Errors      uint64
	WatchedDirs int
	Uptime      time.Duration
}

// Monitor represents a watching context over a set of directory roots,
// allowing the process to be started and stopped concurrently as a
// component. A single processor goroutine drains the bounded scan queue so
// that verdicts for one path are never computed concurrently.
type Monitor struct {
	StartStopLock    sync.Mutex
	IsRunning        bool
	FinishNotifyChan chan bool

	cfg         Config
	engine      *engine.Engine
	quarantiner Quarantiner
	logger      *log.Entry

	watcher   *fsnotify.Watcher
	queue     chan Event
	decisions chan Decision
	stopChan  chan bool
	loopDone  chan bool
	started   time.Time
	finished  bool

	rootMu sync.RWMutex
	roots  map[string]struct{}

	excMu      sync.RWMutex
	exceptions map[string]struct{}

	eventsSeen  uint64
	scanned     uint64
	threats     uint64
	blocked     uint64
	quarantined uint64
	skipped     uint64
	dropped     uint64
	errors      uint64
}

// MakeMonitor returns a new, stopped Monitor. Will emit a value on the
// finishNotify channel when the processor has drained after Stop.
func MakeMonitor(cfg Config, eng *engine.Engine, q Quarantiner, finishNotify chan bool) *Monitor {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.DecisionBuffer <= 0 {
		cfg.DecisionBuffer = def.DecisionBuffer
	}
	return &Monitor{
		FinishNotifyChan: finishNotify,
		cfg:              cfg,
		engine:           eng,
		quarantiner:      q,
		logger:           log.WithFields(log.Fields{"domain": "monitor"}),
		decisions:        make(chan Decision, cfg.DecisionBuffer),
		roots:            make(map[string]struct{}),
		exceptions:       make(map[string]struct{}),
	}
}

// Decisions returns the channel on which processing outcomes are published.
// The channel is closed once the monitor has stopped and drained.
func (m *Monitor) Decisions() <-chan Decision {
	return m.decisions
}

// AddWatchPath registers a directory root for watching. When the monitor is
// running, the tree below it is added to the watcher immediately.
func (m *Monitor) AddWatchPath(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("watch path %s is not a directory", abs)
	}

	m.rootMu.Lock()
	m.roots[abs] = struct{}{}
	m.rootMu.Unlock()

	m.StartStopLock.Lock()
	defer m.StartStopLock.Unlock()
	if m.IsRunning {
		return m.watchTree(abs)
	}
	return nil
}

// RemoveWatchPath unregisters a directory root and stops watching its tree.
func (m *Monitor) RemoveWatchPath(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	m.rootMu.Lock()
	delete(m.roots, abs)
	m.rootMu.Unlock()

	m.StartStopLock.Lock()
	defer m.StartStopLock.Unlock()
	if !m.IsRunning {
		return nil
	}
	for _, watched := range m.watcher.WatchList() {
		if underPath(abs, watched) {
			if err := m.watcher.Remove(watched); err != nil {
				m.logger.Warn(err)
			}
		}
	}
	return nil
}

// AddException excludes a file or directory tree from scanning.
func (m *Monitor) AddException(path string) {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	m.excMu.Lock()
	m.exceptions[path] = struct{}{}
	m.excMu.Unlock()
}

// RemoveException removes an exclusion.
func (m *Monitor) RemoveException(path string) {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	m.excMu.Lock()
	delete(m.exceptions, path)
	m.excMu.Unlock()
}

func (m *Monitor) isExcepted(path string) bool {
	m.excMu.RLock()
	defer m.excMu.RUnlock()
	for exc := range m.exceptions {
		if underPath(exc, path) {
			return true
		}
	}
	return false
}

// Start begins watching all registered roots.
func (m *Monitor) Start() error {
	m.StartStopLock.Lock()
	defer m.StartStopLock.Unlock()

	if m.IsRunning {
		return fmt.Errorf("monitor already running")
	}
	if m.finished {
		// the decision channel has been closed; a stopped monitor stays
		// stopped
		return fmt.Errorf("monitor cannot be restarted once stopped")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	m.watcher = watcher
	m.queue = make(chan Event, m.cfg.QueueSize)
	m.stopChan = make(chan bool)
	m.loopDone = make(chan bool)
	m.started = time.Now()
	m.IsRunning = true

	m.rootMu.RLock()
	roots := make([]string, 0, len(m.roots))
	for r := range m.roots {
		roots = append(roots, r)
	}
	m.rootMu.RUnlock()
	for _, r := range roots {
		if err := m.watchTree(r); err != nil {
			m.logger.Warnf("Could not watch %s: %v", r, err)
		}
	}

	go m.eventLoop()
	go m.processor()

	m.logger.Infof("Monitor running on %d roots", len(roots))
	return nil
}

// Stop ceases watching, drains the queue and closes the decision channel.
func (m *Monitor) Stop() {
	m.StartStopLock.Lock()
	defer m.StartStopLock.Unlock()

	if !m.IsRunning {
		return
	}
	m.IsRunning = false
	m.finished = true

	close(m.stopChan)
	m.watcher.Close()
	<-m.loopDone
	close(m.queue)
}

// watchTree adds a directory and everything below it to the watcher.
func (m *Monitor) watchTree(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			m.logger.Warn(err)
			return nil
		}
		if info.IsDir() {
			if err := m.watcher.Add(path); err != nil {
				m.logger.Warnf("Could not watch %s: %v", path, err)
			}
		}
		return nil
	})
}

// eventLoop reads raw watcher events, applies the cheap filters and feeds
// the bounded scan queue. The newest event is dropped when the queue is
// full, so a flood can never block the watcher.
func (m *Monitor) eventLoop() {
	defer close(m.loopDone)
	for {
		select {
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			atomic.AddUint64(&m.eventsSeen, 1)
			kind, relevant := kindOf(ev.Op)
			if !relevant {
				continue
			}
			e := Event{Kind: kind, Path: ev.Name, Time: time.Now()}
			if fi, err := os.Lstat(ev.Name); err == nil {
				e.IsDir = fi.IsDir()
			}
			if e.IsDir {
				if kind == EventCreated && !m.isExcepted(ev.Name) {
					if err := m.watchTree(ev.Name); err != nil {
						m.logger.Warn(err)
					}
				}
				continue
			}
			m.enqueue(e)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			atomic.AddUint64(&m.errors, 1)
			m.logger.Warn(err)
		case <-m.stopChan:
			return
		}
	}
}

func (m *Monitor) enqueue(e Event) {
	if !m.cfg.ScanAllFiles && !HasDangerousExtension(e.Path) {
		atomic.AddUint64(&m.skipped, 1)
		return
	}
	select {
	case m.queue <- e:
	default:
		atomic.AddUint64(&m.dropped, 1)
	}
}

// processor is the single goroutine that drains the scan queue.
func (m *Monitor) processor() {
	for e := range m.queue {
		m.publish(m.process(e))
	}
	close(m.decisions)
	if m.FinishNotifyChan != nil {
		close(m.FinishNotifyChan)
	}
	m.logger.Info("Monitor processor terminated")
}

// process scans one path and decides what happens to it. Any error short of
// a confirmed detection fails open: the file stays untouched and the error
// is reported as a decision.
func (m *Monitor) process(ev Event) Decision {
	path := ev.Path
	d := Decision{Path: path, Event: ev, Timestamp: time.Now()}

	if ev.Kind == EventRenamed || ev.Kind == EventDeleted {
		// recorded for consumers; the path holds no content to scan
		atomic.AddUint64(&m.skipped, 1)
		d.Action = ActionSkipped
		d.Reason = "file " + ev.Kind.String() + ", nothing to scan"
		return d
	}

	if m.isExcepted(path) {
		atomic.AddUint64(&m.skipped, 1)
		d.Action = ActionSkipped
		d.Reason = "path is excepted from scanning"
		return d
	}

	fi, err := os.Stat(path)
	if err != nil {
		atomic.AddUint64(&m.errors, 1)
		d.Action = ActionError
		d.Reason = err.Error()
		return d
	}
	if !fi.Mode().IsRegular() {
		atomic.AddUint64(&m.skipped, 1)
		d.Action = ActionSkipped
		d.Reason = "not a regular file"
		return d
	}
	if fi.Size() == 0 {
		atomic.AddUint64(&m.skipped, 1)
		d.Action = ActionSkipped
		d.Reason = "empty file"
		return d
	}

	if m.cfg.UseMagicFilter {
		if mg := MagicFromFile(path); !AllowedMagicPattern(mg) {
			atomic.AddUint64(&m.skipped, 1)
			d.Action = ActionSkipped
			d.Reason = "content type not eligible: " + mg
			return d
		}
	}

	verdict, err := m.engine.ScanFile(path)
	if err != nil {
		atomic.AddUint64(&m.errors, 1)
		d.Action = ActionError
		d.Reason = err.Error()
		return d
	}
	atomic.AddUint64(&m.scanned, 1)
	d.Verdict = verdict

	if verdict.Level <= engine.LevelLow {
		d.Action = ActionAllowed
		return d
	}
	atomic.AddUint64(&m.threats, 1)
	m.logger.WithFields(log.Fields{
		"path":   path,
		"level":  verdict.Level.String(),
		"family": verdict.Family,
		"score":  verdict.MaliciousScore,
	}).Warn("Threat detected")

	if verdict.Level == engine.LevelMedium || m.quarantiner == nil {
		return m.block(d, ev.Kind == EventCreated)
	}
	id, err := m.quarantiner.Isolate(path, verdict)
	if err != nil {
		atomic.AddUint64(&m.errors, 1)
		d.Action = ActionError
		d.Reason = "quarantine failed: " + err.Error()
		return d
	}
	atomic.AddUint64(&m.quarantined, 1)
	d.Action = ActionQuarantined
	d.QuarantineID = id
	return d
}

// block deletes a newly created threat; a file that predates the watch is
// left in place and only reported, since removing it could take user data
// along.
func (m *Monitor) block(d Decision, created bool) Decision {
	if !created {
		d.Action = ActionDetected
		d.Reason = "threat reported, pre-existing file left in place"
		return d
	}
	if err := os.Remove(d.Path); err != nil {
		atomic.AddUint64(&m.errors, 1)
		d.Action = ActionError
		d.Reason = "block failed: " + err.Error()
		return d
	}
	atomic.AddUint64(&m.blocked, 1)
	d.Action = ActionBlocked
	return d
}

// publish emits a decision without ever blocking the processor.
func (m *Monitor) publish(d Decision) {
	select {
	case m.decisions <- d:
	default:
	}
}

// Sweep walks all registered roots and enqueues existing files for
// scanning, so that files dropped while the monitor was down are not
// missed. Returns the number of files enqueued. The start/stop lock is
// held for the whole walk so that Stop cannot close the queue mid-sweep;
// queue sends never block, so the processor drains independently.
func (m *Monitor) Sweep() int {
	m.StartStopLock.Lock()
	defer m.StartStopLock.Unlock()
	if !m.IsRunning {
		return 0
	}

	m.rootMu.RLock()
	roots := make([]string, 0, len(m.roots))
	for r := range m.roots {
		roots = append(roots, r)
	}
	m.rootMu.RUnlock()

	m.logger.Info("Building backlog")
	var n int
	for _, root := range roots {
		filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				m.logger.Warn(err)
				return nil
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			if !m.cfg.ScanAllFiles && !HasDangerousExtension(path) {
				return nil
			}
			select {
			case m.queue <- Event{Kind: EventModified, Path: path, Time: time.Now()}:
				n++
			default:
				atomic.AddUint64(&m.dropped, 1)
			}
			return nil
		})
	}
	m.logger.Infof("Finished building backlog, %d files enqueued", n)
	return n
}

// Statistics returns a snapshot of the monitor counters.
func (m *Monitor) Statistics() Stats {
	s := Stats{
		EventsSeen:  atomic.LoadUint64(&m.eventsSeen),
		Scanned:     atomic.LoadUint64(&m.scanned),
		Threats:     atomic.LoadUint64(&m.threats),
		Blocked:     atomic.LoadUint64(&m.blocked),
		Quarantined: atomic.LoadUint64(&m.quarantined),
		Skipped:     atomic.LoadUint64(&m.skipped),
		Dropped:     atomic.LoadUint64(&m.dropped),
		Errors:      atomic.LoadUint64(&m.errors),
	}
	m.StartStopLock.Lock()
	if m.IsRunning {
		s.WatchedDirs = len(m.watcher.WatchList())
		s.Uptime = time.Since(m.started)
	}
	m.StartStopLock.Unlock()
	return s
}
