// Vigil
// Copyright (c) 2024, 2026, Vigil Security GmbH

package quarantine

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vigil-av/vigil/engine"
)

func makeTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := MakeStore(Config{
		Dir:             filepath.Join(dir, "quarantine"),
		KeyFile:         filepath.Join(dir, "quarantine.key"),
		OverwritePasses: 1,
		RetentionDays:   30,
		Compress:        true,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func writeSample(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func testVerdict() engine.Verdict {
	return engine.Verdict{
		Level:          engine.LevelCritical,
		Confidence:     0.97,
		MaliciousScore: 0.97,
		Method:         engine.MethodEnsemble,
		Family:         "Trojan.Test.A",
		Timestamp:      time.Now(),
	}
}

func TestIsolateRestoreRoundtrip(t *testing.T) {
	s := makeTestStore(t)
	dir := t.TempDir()
	content := []byte("malicious payload bytes for the roundtrip test")
	path := writeSample(t, dir, "evil.exe", content)

	rec, err := s.Isolate(path, testVerdict())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("original file still present after isolation")
	}
	container := s.ContainerPath(rec)
	if _, err := os.Stat(container); err != nil {
		t.Fatal("container file missing after isolation")
	}
	if rec.Size != int64(len(content)) || rec.Hashes.Sha256 == "" {
		t.Fatalf("incomplete record: %+v", rec)
	}

	// container content must not leak the plaintext
	blob, err := os.ReadFile(container)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(blob, content[:16]) {
		t.Fatal("container holds plaintext")
	}

	dest := filepath.Join(dir, "restored.exe")
	if err := s.Restore(rec.ID, dest); err != nil {
		t.Fatal(err)
	}
	restored, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(restored, content) {
		t.Fatal("restored content differs from original")
	}
	if _, err := s.Get(rec.ID); err != ErrNotFound {
		t.Fatal("record should be gone after restore")
	}
	if _, err := os.Stat(container); !os.IsNotExist(err) {
		t.Fatal("container should be gone after restore")
	}
}

func TestRestoreToOriginalPath(t *testing.T) {
	s := makeTestStore(t)
	dir := t.TempDir()
	content := []byte("restore me where I came from")
	path := writeSample(t, dir, "sample.bin", content)

	rec, err := s.Isolate(path, testVerdict())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Restore(rec.ID, ""); err != nil {
		t.Fatal(err)
	}
	restored, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(restored, content) {
		t.Fatal("restored content differs from original")
	}
}

func TestIsolateDuplicate(t *testing.T) {
	s := makeTestStore(t)
	dir := t.TempDir()
	path := writeSample(t, dir, "dup.bin", []byte("first incarnation"))

	if _, err := s.Isolate(path, testVerdict()); err != nil {
		t.Fatal(err)
	}

	// a new file at the same path while the record is live is refused
	writeSample(t, dir, "dup.bin", []byte("second incarnation"))
	if _, err := s.Isolate(path, testVerdict()); err != ErrAlreadyQuarantined {
		t.Fatalf("expected ErrAlreadyQuarantined, got %v", err)
	}
}

func TestRestoreRefusesOverwrite(t *testing.T) {
	s := makeTestStore(t)
	dir := t.TempDir()
	path := writeSample(t, dir, "victim.bin", []byte("quarantined content"))

	rec, err := s.Isolate(path, testVerdict())
	if err != nil {
		t.Fatal(err)
	}
	existing := writeSample(t, dir, "existing.bin", []byte("do not clobber"))
	if err := s.Restore(rec.ID, existing); err == nil {
		t.Fatal("restore over an existing file must fail")
	}
	if _, err := s.Get(rec.ID); err != nil {
		t.Fatal("failed restore must keep the record")
	}
}

func TestUncompressedRoundtrip(t *testing.T) {
	base := t.TempDir()
	s, err := MakeStore(Config{
		Dir:     filepath.Join(base, "quarantine"),
		KeyFile: filepath.Join(base, "quarantine.key"),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	content := []byte("stored without compression")
	path := writeSample(t, base, "raw.bin", content)
	rec, err := s.Isolate(path, testVerdict())
	if err != nil {
		t.Fatal(err)
	}
	if rec.Compressed {
		t.Fatal("record must not be marked compressed")
	}
	if err := s.Restore(rec.ID, ""); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("uncompressed roundtrip does not match")
	}
}

func TestRestoreSuffixesOccupiedOriginalPath(t *testing.T) {
	s := makeTestStore(t)
	dir := t.TempDir()
	content := []byte("quarantined content")
	path := writeSample(t, dir, "victim.bin", content)

	rec, err := s.Isolate(path, testVerdict())
	if err != nil {
		t.Fatal(err)
	}
	// something new occupies the original path by restore time
	writeSample(t, dir, "victim.bin", []byte("newcomer"))

	if err := s.Restore(rec.ID, ""); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(path + ".restored")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("suffixed restore does not match original content")
	}
	newcomer, err := os.ReadFile(path)
	if err != nil || string(newcomer) != "newcomer" {
		t.Fatal("occupant of the original path must be untouched")
	}
}

func TestDestroy(t *testing.T) {
	s := makeTestStore(t)
	path := writeSample(t, t.TempDir(), "gone.bin", []byte("to be destroyed"))

	rec, err := s.Isolate(path, testVerdict())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Destroy(rec.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(s.ContainerPath(rec)); !os.IsNotExist(err) {
		t.Fatal("container survived destroy")
	}
	if err := s.Destroy(rec.ID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDestroyOverwritesContainer(t *testing.T) {
	s := makeTestStore(t)
	path := writeSample(t, t.TempDir(), "shred.bin", []byte("content slated for shredding"))

	rec, err := s.Isolate(path, testVerdict())
	if err != nil {
		t.Fatal(err)
	}
	container := s.ContainerPath(rec)
	before, err := os.ReadFile(container)
	if err != nil {
		t.Fatal(err)
	}
	// a hard link keeps the inode readable after the unlink
	linked := container + ".link"
	if err := os.Link(container, linked); err != nil {
		t.Fatal(err)
	}

	if err := s.Destroy(rec.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(container); !os.IsNotExist(err) {
		t.Fatal("container survived destroy")
	}
	after, err := os.ReadFile(linked)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(before, after) {
		t.Fatal("container bytes were not overwritten before the unlink")
	}
}

func TestTamperedContainer(t *testing.T) {
	s := makeTestStore(t)
	path := writeSample(t, t.TempDir(), "tamper.bin", []byte("integrity protected content"))

	rec, err := s.Isolate(path, testVerdict())
	if err != nil {
		t.Fatal(err)
	}
	container := s.ContainerPath(rec)
	blob, err := os.ReadFile(container)
	if err != nil {
		t.Fatal(err)
	}
	blob[len(blob)-1] ^= 0xff
	if err := os.WriteFile(container, blob, 0600); err != nil {
		t.Fatal(err)
	}

	if err := s.Restore(rec.ID, filepath.Join(t.TempDir(), "out.bin")); err != ErrEncryptionFailed {
		t.Fatalf("expected ErrEncryptionFailed, got %v", err)
	}
}

func TestKeyPersistence(t *testing.T) {
	base := t.TempDir()
	cfg := Config{
		Dir:     filepath.Join(base, "quarantine"),
		KeyFile: filepath.Join(base, "quarantine.key"),
	}
	s, err := MakeStore(cfg)
	if err != nil {
		t.Fatal(err)
	}
	content := []byte("survives a store reopen")
	path := writeSample(t, base, "persist.bin", content)
	rec, err := s.Isolate(path, testVerdict())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := MakeStore(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	dest := filepath.Join(base, "restored.bin")
	if err := reopened.Restore(rec.ID, dest); err != nil {
		t.Fatal(err)
	}
	restored, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(restored, content) {
		t.Fatal("restored content differs after reopen")
	}
}

func TestListAndStatistics(t *testing.T) {
	s := makeTestStore(t)
	dir := t.TempDir()
	for i, name := range []string{"a.bin", "b.bin", "c.bin"} {
		path := writeSample(t, dir, name, bytes.Repeat([]byte{byte(i + 1)}, 100*(i+1)))
		if _, err := s.Isolate(path, testVerdict()); err != nil {
			t.Fatal(err)
		}
	}

	recs, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("listed %d records, want 3", len(recs))
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].QuarantinedAt.Before(recs[i-1].QuarantinedAt) {
			t.Fatal("records not sorted oldest first")
		}
	}

	st, err := s.Statistics()
	if err != nil {
		t.Fatal(err)
	}
	if st.Records != 3 || st.TotalSize != 100+200+300 {
		t.Fatalf("unexpected statistics: %+v", st)
	}
}

func TestExpire(t *testing.T) {
	s := makeTestStore(t)
	path := writeSample(t, t.TempDir(), "old.bin", []byte("aged out content"))
	rec, err := s.Isolate(path, testVerdict())
	if err != nil {
		t.Fatal(err)
	}

	// age the record past the retention period
	rec.QuarantinedAt = time.Now().UTC().Add(-48 * time.Hour)
	if err := insertRecord(s.db, rec); err != nil {
		t.Fatal(err)
	}

	if n := s.expire(24 * time.Hour); n != 1 {
		t.Fatalf("expired %d records, want 1", n)
	}
	if _, err := s.Get(rec.ID); err != ErrNotFound {
		t.Fatal("expired record still present")
	}
}

func TestJanitorStartStop(t *testing.T) {
	s := makeTestStore(t)
	finished := make(chan bool)
	j := MakeJanitor(s, finished)
	j.CheckTick = 10 * time.Millisecond
	if err := j.Run(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	j.Stop()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not signal shutdown")
	}
}
