// Vigil
// Copyright (c) 2024, 2026, Vigil Security GmbH

// Package feature converts raw binary content and behavioral reports into
// fixed-length normalized feature vectors for the detection engine.
package feature

import (
	"fmt"
	"math"
	"os"

	"github.com/vigil-av/vigil/util"
)

// Kind denotes the source an extracted vector was derived from.
type Kind int

const (
	// StaticBinary is content read from a file on disk.
	StaticBinary Kind = iota
	// MemoryDump is content captured from process memory.
	MemoryDump
	// Behavioral is a vector derived from a process analysis report.
	Behavioral
	// Hybrid blends static and behavioral features.
	Hybrid
)

func (k Kind) String() string {
	switch k {
	case StaticBinary:
		return "static"
	case MemoryDump:
		return "memory"
	case Behavioral:
		return "behavioral"
	case Hybrid:
		return "hybrid"
	}
	return "unknown"
}

// Summary holds the named sub-features that the heuristic scorer consumes
// directly, so that scoring does not have to re-scan raw content.
type Summary struct {
	Entropy          float64
	UniformityDev    float64
	PrintableStrings int
	SuspiciousHits   int
	PackerHits       int
	HasPE            bool
	Unsigned         bool
	SectionCount     int
	Size             int64
}

// Vector is a fixed-length numeric summary of an artifact. A valid vector's
// Data length always equals the configured vector size; invalid vectors carry
// an error message instead of data.
type Vector struct {
	Data    []float32
	Kind    Kind
	Valid   bool
	Err     string
	Summary Summary
}

// Config controls feature extraction. Use DefaultConfig as a starting point;
// the zero value disables all feature groups.
type Config struct {
	// VectorSize is the length of the final vector.
	VectorSize int
	// MaxInputSize is the largest buffer accepted for extraction.
	MaxInputSize int
	// MaxStrings caps the number of printable strings considered.
	MaxStrings int
	// MinStringLength is the shortest printable run counted as a string.
	MinStringLength int
	// HashBuckets is the number of feature-hashed string buckets.
	HashBuckets int

	UsePEHeader       bool
	UseByteHistogram  bool
	UseStringFeatures bool
	// Normalize min-max scales the final vector to [0,1].
	Normalize bool
}

// DefaultConfig returns the extraction settings used in production.
func DefaultConfig() Config {
	return Config{
		VectorSize:        512,
		MaxInputSize:      32 * 1024 * 1024,
		MaxStrings:        1000,
		MinStringLength:   4,
		HashBuckets:       128,
		UsePEHeader:       true,
		UseByteHistogram:  true,
		UseStringFeatures: true,
		Normalize:         true,
	}
}

// Extractor turns byte buffers into feature vectors. It is safe for
// concurrent use; extraction state is per call.
type Extractor struct {
	cfg Config
}

// NewExtractor returns an Extractor for the given configuration, filling in
// defaults for unset numeric fields.
func NewExtractor(cfg Config) *Extractor {
	def := DefaultConfig()
	if cfg.VectorSize <= 0 {
		cfg.VectorSize = def.VectorSize
	}
	if cfg.MaxInputSize <= 0 {
		cfg.MaxInputSize = def.MaxInputSize
	}
	if cfg.MaxStrings <= 0 {
		cfg.MaxStrings = def.MaxStrings
	}
	if cfg.MinStringLength <= 0 {
		cfg.MinStringLength = def.MinStringLength
	}
	if cfg.HashBuckets <= 0 {
		cfg.HashBuckets = def.HashBuckets
	}
	return &Extractor{cfg: cfg}
}

// VectorSize returns the length of vectors produced by this extractor.
func (e *Extractor) VectorSize() int {
	return e.cfg.VectorSize
}

func (e *Extractor) invalid(kind Kind, msg string) Vector {
	return Vector{Kind: kind, Valid: false, Err: msg}
}

// Extract converts a byte buffer into a feature vector. Malformed content
// never fails the whole extraction; structural sub-features that cannot be
// parsed are simply zero-filled. Empty or oversized input yields an invalid
// vector with a message.
func (e *Extractor) Extract(data []byte, kind Kind) Vector {
	if len(data) == 0 {
		return e.invalid(kind, "empty input")
	}
	if len(data) > e.cfg.MaxInputSize {
		return e.invalid(kind, fmt.Sprintf("input of %d bytes exceeds cap of %d", len(data), e.cfg.MaxInputSize))
	}

	var sum Summary
	sum.Size = int64(len(data))

	features := make([]float32, 0, e.cfg.VectorSize)

	// Byte histogram, entropy and uniformity deviation form the base block.
	hist := histogram(data)
	sum.Entropy = entropyFromHistogram(hist)
	sum.UniformityDev = uniformityDeviation(hist)
	if e.cfg.UseByteHistogram {
		features = append(features, hist[:]...)
	}
	features = append(features,
		float32(sum.Entropy/8.0),
		sizeFeature(len(data)),
		float32(sum.UniformityDev))

	// Bounded structural parse of native executable headers.
	var pe peFeatures
	if e.cfg.UsePEHeader {
		pe = parsePE(data)
		sum.HasPE = pe.present
		sum.Unsigned = pe.present && !pe.signed
		sum.SectionCount = pe.sectionCount
		sum.PackerHits += pe.packedSections
	}
	features = append(features, pe.toFeatures()...)

	// Printable string statistics with a hard cap on strings considered.
	if e.cfg.UseStringFeatures {
		st := extractStrings(data, e.cfg.MinStringLength, e.cfg.MaxStrings, e.cfg.HashBuckets)
		sum.PrintableStrings = st.count
		sum.SuspiciousHits = st.suspiciousHits
		sum.PackerHits += st.packerHits
		features = append(features, st.toFeatures()...)
	}

	vec := Vector{
		Data:    fitToSize(features, e.cfg.VectorSize),
		Kind:    kind,
		Valid:   true,
		Summary: sum,
	}
	if e.cfg.Normalize {
		minMaxNormalize(vec.Data)
	}
	return vec
}

// ExtractFile reads a file and extracts static features from its content.
// Files above the input cap are rejected before reading.
func (e *Extractor) ExtractFile(path string) (Vector, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return Vector{}, err
	}
	if fi.Size() > int64(e.cfg.MaxInputSize) {
		return e.invalid(StaticBinary, fmt.Sprintf("file of %d bytes exceeds cap of %d", fi.Size(), e.cfg.MaxInputSize)), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Vector{}, err
	}
	return e.Extract(data, StaticBinary), nil
}

// Fingerprint returns the content fingerprint used as cache, whitelist and
// signature key for the given buffer.
func Fingerprint(data []byte) string {
	return util.Sha256Hex(data)
}

// Similarity returns the cosine similarity of two valid vectors of equal
// length, or 0 if either is invalid or the lengths differ.
func Similarity(a, b Vector) float32 {
	if !a.Valid || !b.Valid || len(a.Data) != len(b.Data) {
		return 0
	}
	var dot, na, nb float64
	for i := range a.Data {
		dot += float64(a.Data[i]) * float64(b.Data[i])
		na += float64(a.Data[i]) * float64(a.Data[i])
		nb += float64(b.Data[i]) * float64(b.Data[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func histogram(data []byte) [256]float32 {
	var counts [256]int
	for _, b := range data {
		counts[b]++
	}
	var hist [256]float32
	n := float32(len(data))
	for i, c := range counts {
		hist[i] = float32(c) / n
	}
	return hist
}

func entropyFromHistogram(hist [256]float32) float64 {
	var entropy float64
	for _, p := range hist {
		if p > 0 {
			entropy -= float64(p) * math.Log2(float64(p))
		}
	}
	return entropy
}

// uniformityDeviation measures how far the byte distribution is from uniform,
// as half the L1 distance to the uniform distribution. 0 means perfectly
// uniform; values close to 1 mean highly concentrated content.
func uniformityDeviation(hist [256]float32) float64 {
	const uniform = 1.0 / 256.0
	var dev float64
	for _, p := range hist {
		dev += math.Abs(float64(p) - uniform)
	}
	return dev / 2.0
}

// sizeFeature log-scales the content size against a 10 MiB reference point.
func sizeFeature(n int) float32 {
	f := math.Log2(float64(n)+1) / math.Log2(10*1024*1024)
	if f > 1 {
		f = 1
	}
	return float32(f)
}

// fitToSize pads with zeros or truncates so that the result has exactly the
// requested length.
func fitToSize(features []float32, size int) []float32 {
	out := make([]float32, size)
	copy(out, features)
	return out
}

func minMaxNormalize(data []float32) {
	if len(data) == 0 {
		return
	}
	min, max := data[0], data[0]
	for _, v := range data {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if max == min {
		return
	}
	scale := max - min
	for i := range data {
		data[i] = (data[i] - min) / scale
	}
}
