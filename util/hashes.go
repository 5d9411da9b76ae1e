// Vigil
// Copyright (c) 2024, 2026, Vigil Security GmbH

package util

import (
	"bufio"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"io"
	"os"

	"golang.org/x/crypto/sha3"
)

// HashInfo contains the content hashes calculated for an artifact.
type HashInfo struct {
	Md5      string
	Sha1     string
	Sha256   string
	Sha512   string
	Sha3_512 string
}

// CalculateBasicHashes uses a multiWriter to efficiently calculate file hashes
// REF: http://marcio.io/2015/07/calculating-multiple-file-hashes-in-a-single-pass/
func CalculateBasicHashes(rd io.Reader) (HashInfo, error) {
	var info HashInfo

	md5Hash := md5.New()
	sha1Hash := sha1.New()
	sha256Hash := sha256.New()
	sha512Hash := sha512.New()
	sha3_512Hash := sha3.New512()

	// For optimum speed, Getpagesize returns the underlying system's memory page size.
	pageSize := os.Getpagesize()

	// wraps the Reader object into a new buffered reader to read the files in chunks
	// and buffering them for performance.
	reader := bufio.NewReaderSize(rd, pageSize)

	// creates a multiplexer Writer object that will duplicate all write
	// operations when copying data from source into all different hashing algorithms
	// at the same time
	multiWriter := io.MultiWriter(md5Hash, sha1Hash, sha256Hash, sha512Hash, sha3_512Hash)

	// Using a buffered reader, this will write to the writer multiplexer
	// so we only traverse through the file once, and can calculate all hashes
	// in a single byte buffered scan pass.
	//
	_, err := io.Copy(multiWriter, reader)
	if err != nil {
		return info, err
	}

	info.Md5 = hex.EncodeToString(md5Hash.Sum(nil))
	info.Sha1 = hex.EncodeToString(sha1Hash.Sum(nil))
	info.Sha256 = hex.EncodeToString(sha256Hash.Sum(nil))
	info.Sha512 = hex.EncodeToString(sha512Hash.Sum(nil))
	info.Sha3_512 = hex.EncodeToString(sha3_512Hash.Sum(nil))

	return info, nil
}

// Sha256File returns the hex-encoded SHA-256 hash of the file contents at the
// given path, streaming the file rather than loading it into memory.
func Sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err = io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Sha256Hex returns the hex-encoded SHA-256 hash of the given buffer.
func Sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
