// Vigil
// Copyright (c) 2024, 2026, Vigil Security GmbH

package quarantine

import (
	"encoding/json"
	"errors"
	"path/filepath"

	bolt "github.com/etcd-io/bbolt"
)

const (
	recordBucket = "RECORDS"
	pathBucket   = "BYPATH"

	// IndexName is the file name of the quarantine index database.
	IndexName = "quarantine.db"
)

// openIndex opens (or creates) the bolt index database inside the
// quarantine directory.
func openIndex(dir string) (*bolt.DB, error) {
	db, err := bolt.Open(filepath.Join(dir, IndexName), 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(recordBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(pathBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// insertRecord stores a record under its ID and indexes the original path,
// in one transaction.
func insertRecord(db *bolt.DB, rec Record) error {
	encoded, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(recordBucket)).Put([]byte(rec.ID), encoded); err != nil {
			return err
		}
		return tx.Bucket([]byte(pathBucket)).Put([]byte(rec.OriginalPath), []byte(rec.ID))
	})
}

// deleteRecord removes a record and its path index entry.
func deleteRecord(db *bolt.DB, rec Record) error {
	return db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(recordBucket)).Delete([]byte(rec.ID)); err != nil {
			return err
		}
		return tx.Bucket([]byte(pathBucket)).Delete([]byte(rec.OriginalPath))
	})
}

// getRecord fetches a record by ID.
func getRecord(db *bolt.DB, id string) (Record, error) {
	var data []byte
	err := db.View(func(tx *bolt.Tx) error {
		data = tx.Bucket([]byte(recordBucket)).Get([]byte(id))
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	if len(data) == 0 {
		return Record{}, ErrNotFound
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// idForPath returns the record ID indexed for an original path, if any.
func idForPath(db *bolt.DB, path string) (string, bool, error) {
	var id []byte
	err := db.View(func(tx *bolt.Tx) error {
		id = tx.Bucket([]byte(pathBucket)).Get([]byte(path))
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return string(id), len(id) > 0, nil
}

// listRecords returns all records in the index. Entries that fail to decode
// are skipped rather than failing the listing.
func listRecords(db *bolt.DB) ([]Record, error) {
	var out []Record
	err := db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(recordBucket))
		if bucket == nil {
			return errors.New("missing record bucket")
		}
		return bucket.ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}
