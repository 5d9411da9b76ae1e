// Vigil
// Copyright (c) 2024, 2026, Vigil Security GmbH

// Package quarantine isolates detected files into an encrypted store from
// which they can be restored or destroyed, with a bolt-backed record index.
package quarantine

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	bolt "github.com/etcd-io/bbolt"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vigil-av/vigil/engine"
	"github.com/vigil-av/vigil/util"
)

var (
	// ErrAlreadyQuarantined is returned when the original path already has
	// a live quarantine record.
	ErrAlreadyQuarantined = errors.New("file is already quarantined")
	// ErrInsufficientSpace is returned when the quarantine volume lacks
	// headroom for the container file.
	ErrInsufficientSpace = errors.New("not enough free space in quarantine directory")
	// ErrIntegrity is returned when restored content does not match the
	// hash recorded at isolation time.
	ErrIntegrity = errors.New("restored content fails integrity check")
	// ErrNotFound is returned for unknown record IDs.
	ErrNotFound = errors.New("no such quarantine record")
)

// containerExt is the extension of encrypted container files.
const containerExt = ".qtn"

// Record describes one quarantined file.
type Record struct {
	ID              string         `json:"id"`
	OriginalPath    string         `json:"original_path"`
	StoredFile      string         `json:"stored_file"`
	Hashes          util.HashInfo  `json:"hashes"`
	Size            int64          `json:"size"`
	ContainerSize   int64          `json:"container_size"`
	ContainerSha256 string         `json:"container_sha256"`
	Compressed      bool           `json:"compressed"`
	Verdict         engine.Verdict `json:"verdict"`
	QuarantinedAt   time.Time      `json:"quarantined_at"`
}

// Config controls the quarantine store.
type Config struct {
	// Dir is the quarantine directory; created if missing.
	Dir string
	// KeyFile is the path of the 32-byte master key file; created on
	// first use.
	KeyFile string
	// FreeSpaceFactor is the multiple of the file size that must be free
	// on the quarantine volume before isolation. Defaults to 2.
	FreeSpaceFactor int
	// OverwritePasses is the number of random overwrite passes applied to
	// the original file before deletion. 0 deletes without overwriting.
	OverwritePasses int
	// RetentionDays is the age in days after which the janitor destroys
	// records. 0 disables expiry.
	RetentionDays int
	// Compress enables zstd compression before encryption.
	Compress bool
}

// DefaultConfig returns the store settings used in production.
func DefaultConfig() Config {
	return Config{
		Dir:             "/var/lib/vigil/quarantine",
		KeyFile:         "/var/lib/vigil/quarantine.key",
		FreeSpaceFactor: 2,
		OverwritePasses: 1,
		RetentionDays:   30,
		Compress:        true,
	}
}

// Stats is a snapshot of the store contents.
type Stats struct {
	Records        int
	TotalSize      int64
	ContainerBytes int64
	Oldest         time.Time
}

// Store is an encrypted quarantine store. Isolate, Restore and Destroy are
// serialized by the store lock so that index and directory stay consistent.
type Store struct {
	cfg    Config
	db     *bolt.DB
	sealer *sealer
	logger *log.Entry

	opLock sync.Mutex
}

// MakeStore opens a quarantine store, creating directory, key file and
// index database as needed.
func MakeStore(cfg Config) (*Store, error) {
	def := DefaultConfig()
	if cfg.FreeSpaceFactor <= 0 {
		cfg.FreeSpaceFactor = def.FreeSpaceFactor
	}
	if cfg.Dir == "" {
		return nil, errors.New("quarantine directory not configured")
	}
	if cfg.KeyFile == "" {
		cfg.KeyFile = filepath.Join(cfg.Dir, "quarantine.key")
	}
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, err
	}

	master, err := loadOrCreateKey(cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	sl, err := makeSealer(master, cfg.Compress)
	if err != nil {
		return nil, err
	}
	db, err := openIndex(cfg.Dir)
	if err != nil {
		return nil, err
	}

	return &Store{
		cfg:    cfg,
		db:     db,
		sealer: sl,
		logger: log.WithFields(log.Fields{"domain": "quarantine"}),
	}, nil
}

// Close releases the index database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Isolate moves the file at path into the quarantine store, recording the
// given verdict. On success the original file is gone and the returned
// record describes the stored container.
func (s *Store) Isolate(path string, verdict engine.Verdict) (Record, error) {
	s.opLock.Lock()
	defer s.opLock.Unlock()

	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return Record{}, err
	}
	resolved, err = filepath.Abs(resolved)
	if err != nil {
		return Record{}, err
	}

	if _, dup, err := idForPath(s.db, resolved); err != nil {
		return Record{}, err
	} else if dup {
		return Record{}, ErrAlreadyQuarantined
	}

	fi, err := os.Stat(resolved)
	if err != nil {
		return Record{}, err
	}
	free, err := util.FreeSpace(s.cfg.Dir)
	if err != nil {
		return Record{}, err
	}
	if free < uint64(fi.Size())*uint64(s.cfg.FreeSpaceFactor) {
		return Record{}, ErrInsufficientSpace
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return Record{}, err
	}
	hashes, err := util.CalculateBasicHashes(bytes.NewReader(data))
	if err != nil {
		return Record{}, err
	}

	blob, err := s.sealer.seal(data)
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		ID:              uuid.New().String(),
		OriginalPath:    resolved,
		Hashes:          hashes,
		Size:            int64(len(data)),
		ContainerSize:   int64(len(blob)),
		ContainerSha256: util.Sha256Hex(blob),
		Compressed:      s.cfg.Compress,
		Verdict:         verdict,
		QuarantinedAt:   time.Now().UTC(),
	}
	rec.StoredFile = rec.ID + containerExt

	containerPath := filepath.Join(s.cfg.Dir, rec.StoredFile)
	if err := writeSync(containerPath, blob); err != nil {
		return Record{}, err
	}
	if err := insertRecord(s.db, rec); err != nil {
		os.Remove(containerPath)
		return Record{}, err
	}

	if err := s.shred(resolved, fi.Size()); err != nil {
		// the container is already safe; report but keep the record
		s.logger.Warnf("Could not remove original %s: %v", resolved, err)
	}

	s.logger.WithFields(log.Fields{
		"id":     rec.ID,
		"sha256": rec.Hashes.Sha256,
		"family": verdict.Family,
	}).Infof("Quarantined %s", resolved)
	return rec, nil
}

// Restore decrypts a quarantined file back to disk and drops its record.
// An empty destination restores to the original path; if something now
// occupies that path, a ".restored" suffix is used instead. An explicit
// destination is never overwritten.
func (s *Store) Restore(id, dest string) error {
	s.opLock.Lock()
	defer s.opLock.Unlock()

	rec, err := getRecord(s.db, id)
	if err != nil {
		return err
	}
	defaulted := dest == ""
	if defaulted {
		dest = rec.OriginalPath
	}

	blob, err := os.ReadFile(filepath.Join(s.cfg.Dir, rec.StoredFile))
	if err != nil {
		return err
	}
	plain, err := s.sealer.open(blob, rec.Compressed)
	if err != nil {
		return err
	}
	if util.Sha256Hex(plain) != rec.Hashes.Sha256 {
		return ErrIntegrity
	}

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if os.IsExist(err) && defaulted {
		dest += ".restored"
		out, err = os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	}
	if err != nil {
		return err
	}
	if _, err := out.Write(plain); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	if err := deleteRecord(s.db, rec); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.cfg.Dir, rec.StoredFile)); err != nil {
		s.logger.Warn(err)
	}
	s.logger.Infof("Restored %s to %s", rec.ID, dest)
	return nil
}

// Destroy removes a quarantined file and its record permanently.
func (s *Store) Destroy(id string) error {
	s.opLock.Lock()
	defer s.opLock.Unlock()
	return s.destroyLocked(id)
}

func (s *Store) destroyLocked(id string) error {
	rec, err := getRecord(s.db, id)
	if err != nil {
		return err
	}
	container := filepath.Join(s.cfg.Dir, rec.StoredFile)
	if err := s.shred(container, rec.ContainerSize); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := deleteRecord(s.db, rec); err != nil {
		return err
	}
	s.logger.Infof("Destroyed quarantine record %s (%s)", rec.ID, rec.Hashes.Sha256)
	return nil
}

// Get returns the record for an ID.
func (s *Store) Get(id string) (Record, error) {
	return getRecord(s.db, id)
}

// ContainerPath returns the on-disk path of a record's encrypted container.
func (s *Store) ContainerPath(rec Record) string {
	return filepath.Join(s.cfg.Dir, rec.StoredFile)
}

// List returns all records, oldest first.
func (s *Store) List() ([]Record, error) {
	recs, err := listRecords(s.db)
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].QuarantinedAt.Before(recs[j].QuarantinedAt)
	})
	return recs, nil
}

// Statistics returns a snapshot of the store contents.
func (s *Store) Statistics() (Stats, error) {
	recs, err := s.List()
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Records: len(recs)}
	for i, rec := range recs {
		st.TotalSize += rec.Size
		st.ContainerBytes += rec.ContainerSize
		if i == 0 {
			st.Oldest = rec.QuarantinedAt
		}
	}
	return st, nil
}

// expire destroys all records older than the retention period. Returns the
// number of destroyed records.
func (s *Store) expire(retention time.Duration) int {
	s.opLock.Lock()
	defer s.opLock.Unlock()

	recs, err := listRecords(s.db)
	if err != nil {
		s.logger.Warn(err)
		return 0
	}
	var n int
	for _, rec := range recs {
		if time.Since(rec.QuarantinedAt) <= retention {
			continue
		}
		if err := s.destroyLocked(rec.ID); err != nil {
			s.logger.Warn(err)
			continue
		}
		n++
	}
	return n
}

// shred overwrites a file with random data for the configured number of
// passes, then unlinks it. Destroyed containers get the same treatment as
// removed originals.
func (s *Store) shred(path string, size int64) error {
	for pass := 0; pass < s.cfg.OverwritePasses; pass++ {
		f, err := os.OpenFile(path, os.O_WRONLY, 0)
		if err != nil {
			return err
		}
		noise := make([]byte, size)
		if _, err := rand.Read(noise); err != nil {
			f.Close()
			return err
		}
		if _, err := f.WriteAt(noise, 0); err != nil {
			f.Close()
			return err
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	return os.Remove(path)
}

// writeSync writes a container file and flushes it to stable storage before
// the original is allowed to disappear.
func writeSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing container %s: %w", path, err)
	}
	return nil
}
