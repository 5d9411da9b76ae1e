// Vigil
// Copyright (c) 2024, 2026, Vigil Security GmbH

package monitor

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vigil-av/vigil/engine"
	"github.com/vigil-av/vigil/feature"
)

var (
	maliciousContent = []byte("simulated malicious sample content for monitor tests")
	mediumContent    = []byte("simulated mildly suspicious sample content for monitor tests")
)

type fakeQuarantiner struct {
	mu       sync.Mutex
	isolated []string
	failWith error
}

func (f *fakeQuarantiner) Isolate(path string, verdict engine.Verdict) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return "", f.failWith
	}
	f.isolated = append(f.isolated, path)
	return fmt.Sprintf("rec-%d", len(f.isolated)), nil
}

func (f *fakeQuarantiner) paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.isolated...)
}

func makeDetectionEngine() *engine.Engine {
	e := engine.MakeEngine(engine.DefaultConfig(), feature.NewExtractor(feature.DefaultConfig()))
	e.AddSignature(engine.SignatureEntry{
		Sha256:   feature.Fingerprint(maliciousContent),
		Severity: engine.LevelCritical,
		Name:     "Test.Monitor.A",
	})
	e.AddSignature(engine.SignatureEntry{
		Sha256:   feature.Fingerprint(mediumContent),
		Severity: engine.LevelMedium,
		Name:     "Test.Monitor.B",
	})
	return e
}

func makeTestMonitor(t *testing.T, cfg Config, q Quarantiner) (*Monitor, string) {
	t.Helper()
	dir := t.TempDir()
	m := MakeMonitor(cfg, makeDetectionEngine(), q, make(chan bool))
	if err := m.AddWatchPath(dir); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Stop)
	// give the watcher a moment to establish the watches
	time.Sleep(100 * time.Millisecond)
	return m, dir
}

// waitFor drains the decision channel until a decision for the given path
// with the given action arrives.
func waitFor(t *testing.T, m *Monitor, path string, action Action) Decision {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case d, ok := <-m.Decisions():
			if !ok {
				t.Fatalf("decision channel closed while waiting for %s on %s", action, path)
			}
			if d.Path == path && d.Action == action {
				return d
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s on %s", action, path)
		}
	}
}

func TestMonitorQuarantinesDetectedFile(t *testing.T) {
	q := &fakeQuarantiner{}
	m, dir := makeTestMonitor(t, Config{ScanAllFiles: true}, q)

	path := filepath.Join(dir, "dropped.exe")
	if err := os.WriteFile(path, maliciousContent, 0644); err != nil {
		t.Fatal(err)
	}

	d := waitFor(t, m, path, ActionQuarantined)
	if d.QuarantineID == "" {
		t.Fatal("quarantined decision carries no record ID")
	}
	if d.Event.Kind != EventCreated || d.Event.Path != path || d.Event.Time.IsZero() {
		t.Fatalf("decision carries no usable event: %+v", d.Event)
	}
	if d.Verdict.Family != "Test.Monitor.A" {
		t.Fatalf("unexpected family %q", d.Verdict.Family)
	}
	if len(q.paths()) == 0 || q.paths()[0] != path {
		t.Fatal("quarantiner did not receive the detected path")
	}

	st := m.Statistics()
	if st.Threats == 0 || st.Quarantined == 0 {
		t.Fatalf("counters not updated: %+v", st)
	}
}

func TestMonitorAllowsCleanFile(t *testing.T) {
	m, dir := makeTestMonitor(t, Config{ScanAllFiles: true}, &fakeQuarantiner{})

	path := filepath.Join(dir, "clean.txt")
	if err := os.WriteFile(path, []byte("an entirely unremarkable text file"), 0644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, m, path, ActionAllowed)
	if _, err := os.Stat(path); err != nil {
		t.Fatal("clean file must be left in place")
	}
}

func TestMonitorBlocksWithoutQuarantiner(t *testing.T) {
	m, dir := makeTestMonitor(t, Config{ScanAllFiles: true}, nil)

	path := filepath.Join(dir, "detected.exe")
	if err := os.WriteFile(path, maliciousContent, 0644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, m, path, ActionBlocked)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("blocked file must be deleted")
	}
	if m.Statistics().Blocked == 0 {
		t.Fatal("blocked counter not updated")
	}
}

func TestMonitorBlocksMediumThreat(t *testing.T) {
	q := &fakeQuarantiner{}
	m, dir := makeTestMonitor(t, Config{ScanAllFiles: true}, q)

	path := filepath.Join(dir, "dubious.exe")
	if err := os.WriteFile(path, mediumContent, 0644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, m, path, ActionBlocked)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("newly created medium threat must be deleted")
	}
	if len(q.paths()) != 0 {
		t.Fatal("medium threat must not be quarantined")
	}
}

func TestMonitorReportsPreexistingMediumThreat(t *testing.T) {
	q := &fakeQuarantiner{}
	dir := t.TempDir()
	path := filepath.Join(dir, "preexisting.exe")
	if err := os.WriteFile(path, mediumContent, 0644); err != nil {
		t.Fatal(err)
	}

	m := MakeMonitor(Config{ScanAllFiles: true}, makeDetectionEngine(), q, make(chan bool))
	if err := m.AddWatchPath(dir); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()
	m.Sweep()

	d := waitFor(t, m, path, ActionDetected)
	if d.Reason == "" {
		t.Fatal("detected decision carries no reason")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal("pre-existing file must be left in place")
	}
}

func TestMonitorExtensionGate(t *testing.T) {
	q := &fakeQuarantiner{}
	m, dir := makeTestMonitor(t, Config{}, q)

	ignored := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(ignored, maliciousContent, 0644); err != nil {
		t.Fatal(err)
	}
	gated := filepath.Join(dir, "payload.exe")
	if err := os.WriteFile(gated, maliciousContent, 0644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, m, gated, ActionQuarantined)
	for _, p := range q.paths() {
		if p == ignored {
			t.Fatal("extension gate failed, .txt file was processed")
		}
	}
}

func TestMonitorException(t *testing.T) {
	m, dir := makeTestMonitor(t, Config{ScanAllFiles: true}, &fakeQuarantiner{})

	sub := filepath.Join(dir, "trusted")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	m.AddException(sub)
	time.Sleep(100 * time.Millisecond)

	path := filepath.Join(sub, "tool.exe")
	if err := os.WriteFile(path, maliciousContent, 0644); err != nil {
		t.Fatal(err)
	}
	d := waitFor(t, m, path, ActionSkipped)
	if d.Reason == "" {
		t.Fatal("skip decision carries no reason")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal("excepted file must be left in place")
	}
}

func TestMonitorFailsOpenOnUnreadableFile(t *testing.T) {
	m, dir := makeTestMonitor(t, Config{ScanAllFiles: true}, &fakeQuarantiner{})

	// a symlink loop cannot be stat'ed or read, regardless of privileges
	loop := filepath.Join(dir, "loop.exe")
	if err := os.Symlink(loop, loop); err != nil {
		t.Fatal(err)
	}

	d := waitFor(t, m, loop, ActionError)
	if d.Reason == "" {
		t.Fatal("error decision carries no reason")
	}
	if m.Statistics().Errors == 0 {
		t.Fatal("error counter not updated")
	}
}

func TestMonitorSweep(t *testing.T) {
	q := &fakeQuarantiner{}
	dir := t.TempDir()
	backlog := filepath.Join(dir, "preexisting.exe")
	if err := os.WriteFile(backlog, maliciousContent, 0644); err != nil {
		t.Fatal(err)
	}

	m := MakeMonitor(Config{ScanAllFiles: true}, makeDetectionEngine(), q, make(chan bool))
	if err := m.AddWatchPath(dir); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	if n := m.Sweep(); n != 1 {
		t.Fatalf("sweep enqueued %d files, want 1", n)
	}
	waitFor(t, m, backlog, ActionQuarantined)
}

func TestMonitorNewSubdirectoryWatched(t *testing.T) {
	m, dir := makeTestMonitor(t, Config{ScanAllFiles: true}, &fakeQuarantiner{})

	sub := filepath.Join(dir, "newdir")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	// the create event for the directory must register a new watch
	time.Sleep(200 * time.Millisecond)

	path := filepath.Join(sub, "late.exe")
	if err := os.WriteFile(path, maliciousContent, 0644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, m, path, ActionQuarantined)
}

func TestMonitorStartStop(t *testing.T) {
	finished := make(chan bool)
	m := MakeMonitor(Config{}, makeDetectionEngine(), nil, finished)
	if err := m.AddWatchPath(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(); err == nil {
		t.Fatal("double start not rejected")
	}

	m.Stop()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not signal shutdown")
	}
	if _, ok := <-m.Decisions(); ok {
		t.Fatal("decision channel should be closed after stop")
	}
}

func TestEventKindMapping(t *testing.T) {
	cases := []struct {
		op       fsnotify.Op
		kind     EventKind
		relevant bool
	}{
		{fsnotify.Create, EventCreated, true},
		{fsnotify.Write, EventModified, true},
		{fsnotify.Rename, EventRenamed, true},
		{fsnotify.Remove, EventDeleted, true},
		{fsnotify.Create | fsnotify.Write, EventCreated, true},
		{fsnotify.Chmod, 0, false},
	}
	for _, c := range cases {
		kind, relevant := kindOf(c.op)
		if relevant != c.relevant {
			t.Fatalf("op %v relevance %v, want %v", c.op, relevant, c.relevant)
		}
		if relevant && kind != c.kind {
			t.Fatalf("op %v mapped to %s, want %s", c.op, kind, c.kind)
		}
	}
}

func TestMonitorReportsDeletedFile(t *testing.T) {
	m, dir := makeTestMonitor(t, Config{ScanAllFiles: true}, &fakeQuarantiner{})

	path := filepath.Join(dir, "shortlived.exe")
	if err := os.WriteFile(path, []byte("an entirely unremarkable file"), 0644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, m, path, ActionAllowed)

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	d := waitFor(t, m, path, ActionSkipped)
	if d.Event.Kind != EventDeleted {
		t.Fatalf("event kind %s, want %s", d.Event.Kind, EventDeleted)
	}
	if d.Reason == "" {
		t.Fatal("skip decision carries no reason")
	}
}

func TestMonitorSweepDuringStop(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 200; i++ {
		path := filepath.Join(dir, fmt.Sprintf("file-%03d.exe", i))
		if err := os.WriteFile(path, []byte("an entirely unremarkable file"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	finished := make(chan bool)
	m := MakeMonitor(Config{ScanAllFiles: true}, makeDetectionEngine(), nil, finished)
	if err := m.AddWatchPath(dir); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}

	// a sweep racing the shutdown must never send on a closed queue
	swept := make(chan int)
	go func() { swept <- m.Sweep() }()
	m.Stop()
	select {
	case <-swept:
	case <-time.After(5 * time.Second):
		t.Fatal("sweep did not return")
	}
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not signal shutdown")
	}
}

func TestMonitorRestartRejected(t *testing.T) {
	m := MakeMonitor(Config{}, makeDetectionEngine(), nil, make(chan bool))
	if err := m.AddWatchPath(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	m.Stop()
	if err := m.Start(); err == nil {
		t.Fatal("start after stop not rejected")
	}
	if m.Sweep() != 0 {
		t.Fatal("sweep on a stopped monitor must enqueue nothing")
	}
}

func TestHasDangerousExtension(t *testing.T) {
	for _, p := range []string{"a.exe", "b.DLL", "c.ps1", "d.jar"} {
		if !HasDangerousExtension(p) {
			t.Fatalf("%s should be gated in", p)
		}
	}
	for _, p := range []string{"a.txt", "b.pdf", "c", "d.go"} {
		if HasDangerousExtension(p) {
			t.Fatalf("%s should be gated out", p)
		}
	}
}

func TestUnderPath(t *testing.T) {
	if !underPath("/a/b", "/a/b/c/d") || !underPath("/a/b", "/a/b") {
		t.Fatal("descendant matching broken")
	}
	if underPath("/a/b", "/a/bc") || underPath("/a/b", "/a") {
		t.Fatal("sibling or ancestor wrongly matched")
	}
}
