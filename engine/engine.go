// Vigil
// Copyright (c) 2024, 2026, Vigil Security GmbH

package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hillu/go-yara/v4"
	log "github.com/sirupsen/logrus"

	"github.com/vigil-av/vigil/feature"
)

// Config controls engine behavior. Use DefaultConfig as a starting point.
type Config struct {
	// DetectionThreshold is the combined score at or above which an
	// artifact is treated as malicious.
	DetectionThreshold float64
	// HeuristicWeight and ModelWeight combine the two scores when a model
	// is loaded. They should sum to 1.
	HeuristicWeight float64
	ModelWeight     float64
	// UseCache enables verdict caching by content fingerprint.
	UseCache bool
	// CacheSize is the maximum number of cached verdicts.
	CacheSize int
	// MaxFileSize is the largest file accepted by ScanFile.
	MaxFileSize int64
}

// DefaultConfig returns the engine settings used in production.
func DefaultConfig() Config {
	return Config{
		DetectionThreshold: 0.75,
		HeuristicWeight:    0.4,
		ModelWeight:        0.6,
		UseCache:           true,
		CacheSize:          1000,
		MaxFileSize:        32 * 1024 * 1024,
	}
}

// Stats is a snapshot of the engine's scan counters.
type Stats struct {
	Scanned         uint64
	CacheHits       uint64
	SignatureHits   uint64
	RuleHits        uint64
	ModelRuns       uint64
	InferenceErrors uint64
	ThreatsFound    uint64
	CachedVerdicts  int
	ModelsLoaded    int
}

// Engine classifies buffers, files and pre-extracted vectors. All methods
// are safe for concurrent use; signature, whitelist and rule tables can be
// swapped at runtime while scans are in flight.
type Engine struct {
	cfg       Config
	extractor *feature.Extractor
	cache     *verdictCache
	logger    *log.Entry

	sigMu      sync.RWMutex
	signatures map[string]SignatureEntry
	whitelist  map[string]struct{}

	ruleMu sync.RWMutex
	rules  *yara.Rules

	sessMu   sync.RWMutex
	sessions []*Session

	scanned         uint64
	cacheHits       uint64
	signatureHits   uint64
	ruleHits        uint64
	modelRuns       uint64
	inferenceErrors uint64
	threatsFound    uint64

	feedbackMu   sync.Mutex
	feedbackFile *os.File
}

// MakeEngine creates an Engine around the given extractor, filling in
// defaults for unset configuration fields.
func MakeEngine(cfg Config, extractor *feature.Extractor) *Engine {
	def := DefaultConfig()
	if cfg.DetectionThreshold <= 0 || cfg.DetectionThreshold > 1 {
		cfg.DetectionThreshold = def.DetectionThreshold
	}
	if cfg.HeuristicWeight <= 0 && cfg.ModelWeight <= 0 {
		cfg.HeuristicWeight = def.HeuristicWeight
		cfg.ModelWeight = def.ModelWeight
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = def.MaxFileSize
	}
	if extractor == nil {
		extractor = feature.NewExtractor(feature.DefaultConfig())
	}

	e := &Engine{
		cfg:        cfg,
		extractor:  extractor,
		logger:     log.WithFields(log.Fields{"domain": "engine"}),
		signatures: make(map[string]SignatureEntry),
		whitelist:  make(map[string]struct{}),
	}
	if cfg.UseCache {
		e.cache = makeVerdictCache(cfg.CacheSize)
	}
	return e
}

// AddModel loads a model weight file and adds its session to the inference
// ensemble.
func (e *Engine) AddModel(path string) error {
	sess, err := LoadModel(path)
	if err != nil {
		return err
	}
	if sess.InputSize() != e.extractor.VectorSize() {
		e.logger.Warnf("Model %s expects %d inputs, extractor produces %d; vectors will be coerced",
			sess.Name(), sess.InputSize(), e.extractor.VectorSize())
	}
	e.sessMu.Lock()
	e.sessions = append(e.sessions, sess)
	e.sessMu.Unlock()
	e.logger.Infof("Loaded model %s (%d -> %d)", sess.Name(), sess.InputSize(), sess.out)
	return nil
}

// ScanBuffer classifies a raw byte buffer, running the staged pipeline of
// whitelist, cache, signature table, rule scan, and finally feature-based
// scoring. It never returns an error; unusable input yields a safe verdict
// with an explanatory indicator.
func (e *Engine) ScanBuffer(data []byte) Verdict {
	start := time.Now()
	atomic.AddUint64(&e.scanned, 1)

	fp := feature.Fingerprint(data)

	if e.isWhitelisted(fp) {
		// whitelist hits carry no confidence of their own, the content was
		// never scored
		return e.finish(Verdict{
			Level:       LevelSafe,
			BenignScore: 1,
			Method:      MethodSignature,
			Indicators:  []string{"fingerprint is whitelisted"},
		}, start)
	}

	if e.cache != nil {
		// cached verdicts are returned unchanged, timestamp and latency
		// included
		if v, ok := e.cache.get(fp); ok {
			atomic.AddUint64(&e.cacheHits, 1)
			return v
		}
	}

	if entry, ok := e.lookupSignature(fp); ok {
		atomic.AddUint64(&e.signatureHits, 1)
		v := Verdict{
			Level:          entry.Severity,
			Confidence:     1,
			MaliciousScore: 1,
			Method:         MethodSignature,
			Family:         entry.Name,
			Indicators:     []string{"exact signature match: " + entry.Name},
		}
		return e.cacheAndFinish(fp, v, start)
	}

	if matches := e.scanRules(data); len(matches) > 0 {
		atomic.AddUint64(&e.ruleHits, 1)
		level := LevelSafe
		indicators := make([]string, 0, len(matches))
		for _, m := range matches {
			if s := ruleSeverity(m); s > level {
				level = s
			}
			indicators = append(indicators, "rule match: "+m.Rule)
		}
		v := Verdict{
			Level:          level,
			Confidence:     1,
			MaliciousScore: 1,
			Method:         MethodSignature,
			Family:         matches[0].Rule,
			Indicators:     indicators,
		}
		return e.cacheAndFinish(fp, v, start)
	}

	vec := e.extractor.Extract(data, feature.StaticBinary)
	if !vec.Valid {
		return e.finish(Verdict{
			Level:      LevelSafe,
			Method:     MethodHeuristic,
			Indicators: []string{"unscannable content: " + vec.Err},
		}, start)
	}
	return e.cacheAndFinish(fp, e.score(vec), start)
}

// ScanFile classifies the content of a file on disk. Files above the size
// cap are reported safe with an indicator rather than read into memory.
func (e *Engine) ScanFile(path string) (Verdict, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return Verdict{}, err
	}
	if fi.Size() > e.cfg.MaxFileSize {
		return Verdict{
			Level:      LevelSafe,
			Method:     MethodHeuristic,
			Indicators: []string{fmt.Sprintf("file of %d bytes exceeds scan cap of %d", fi.Size(), e.cfg.MaxFileSize)},
			Timestamp:  time.Now(),
		}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Verdict{}, err
	}
	return e.ScanBuffer(data), nil
}

// Detect classifies a pre-extracted feature vector, for callers that obtain
// vectors from behavioral reports or remote collaborators. The vector's own
// fingerprint keys the cache.
func (e *Engine) Detect(vec feature.Vector) Verdict {
	start := time.Now()
	atomic.AddUint64(&e.scanned, 1)

	if !vec.Valid {
		return e.finish(Verdict{
			Level:      LevelSafe,
			Method:     MethodHeuristic,
			Indicators: []string{"invalid vector: " + vec.Err},
		}, start)
	}

	fp := vectorFingerprint(vec)
	if e.cache != nil {
		if v, ok := e.cache.get(fp); ok {
			atomic.AddUint64(&e.cacheHits, 1)
			return v
		}
	}
	return e.cacheAndFinish(fp, e.score(vec), start)
}

// IsMalicious reports whether a vector's combined score reaches the
// detection threshold, along with the score itself.
func (e *Engine) IsMalicious(vec feature.Vector) (bool, float64) {
	v := e.Detect(vec)
	return v.MaliciousScore >= e.cfg.DetectionThreshold, v.MaliciousScore
}

// Score returns only the combined malicious score for a vector.
func (e *Engine) Score(vec feature.Vector) float64 {
	return e.Detect(vec).MaliciousScore
}

// Malicious reports whether an already-produced verdict reaches the
// detection threshold.
func (e *Engine) Malicious(v Verdict) bool {
	return v.MaliciousScore >= e.cfg.DetectionThreshold
}

// score combines the heuristic and model stages for a valid vector.
func (e *Engine) score(vec feature.Vector) Verdict {
	hScore, indicators := heuristicScore(vec.Summary)

	mBenign, mMalicious, family, modelRan := e.inferEnsemble(vec.Data)

	var final float64
	var method Method
	if modelRan {
		final = e.cfg.HeuristicWeight*hScore + e.cfg.ModelWeight*mMalicious
		method = MethodEnsemble
		indicators = append(indicators, fmt.Sprintf("model score %.3f (benign %.3f)", mMalicious, mBenign))
	} else {
		final = hScore
		method = MethodHeuristic
	}
	if final < 0 {
		final = 0
	}
	if final > 1 {
		final = 1
	}

	level := levelForScore(final)
	confidence := final
	if final < 0.5 {
		confidence = 1 - final
	}

	v := Verdict{
		Level:          level,
		Confidence:     confidence,
		MaliciousScore: final,
		BenignScore:    1 - final,
		Method:         method,
		Family:         family,
		Indicators:     indicators,
	}
	if v.Family == "" {
		v.Family = threatNameForLevel(level)
	}
	return v
}

// inferEnsemble runs every loaded model session on the vector and averages
// the class probabilities. A session failure is logged and counted, and the
// remaining sessions still contribute; if all of them fail, the engine
// falls back to the heuristic score alone.
func (e *Engine) inferEnsemble(input []float32) (benign, malicious float64, family string, ok bool) {
	e.sessMu.RLock()
	sessions := e.sessions
	e.sessMu.RUnlock()
	if len(sessions) == 0 {
		return 0, 0, "", false
	}

	var ran int
	for _, sess := range sessions {
		in, err := coerce(input, sess.InputSize())
		if err != nil {
			atomic.AddUint64(&e.inferenceErrors, 1)
			e.logger.Warnf("Inference on %s rejected: %v", sess.Name(), err)
			continue
		}
		raw, err := sess.Infer(in)
		if err != nil {
			atomic.AddUint64(&e.inferenceErrors, 1)
			e.logger.Warnf("Inference on %s failed: %v", sess.Name(), err)
			continue
		}
		b, m, fam := sess.probabilities(raw)
		benign += b
		malicious += m
		if family == "" {
			family = fam
		}
		ran++
	}
	if ran == 0 {
		return 0, 0, "", false
	}
	atomic.AddUint64(&e.modelRuns, 1)
	return benign / float64(ran), malicious / float64(ran), family, true
}

func (e *Engine) cacheAndFinish(fp string, v Verdict, start time.Time) Verdict {
	v.Timestamp = time.Now()
	v.Latency = time.Since(start)
	if v.Level >= LevelMedium {
		atomic.AddUint64(&e.threatsFound, 1)
	}
	if e.cache != nil {
		e.cache.put(fp, v)
	}
	return v
}

func (e *Engine) finish(v Verdict, start time.Time) Verdict {
	v.Timestamp = time.Now()
	v.Latency = time.Since(start)
	return v
}

// Statistics returns a snapshot of the scan counters.
func (e *Engine) Statistics() Stats {
	s := Stats{
		Scanned:         atomic.LoadUint64(&e.scanned),
		CacheHits:       atomic.LoadUint64(&e.cacheHits),
		SignatureHits:   atomic.LoadUint64(&e.signatureHits),
		RuleHits:        atomic.LoadUint64(&e.ruleHits),
		ModelRuns:       atomic.LoadUint64(&e.modelRuns),
		InferenceErrors: atomic.LoadUint64(&e.inferenceErrors),
		ThreatsFound:    atomic.LoadUint64(&e.threatsFound),
	}
	if e.cache != nil {
		s.CachedVerdicts = e.cache.len()
	}
	e.sessMu.RLock()
	s.ModelsLoaded = len(e.sessions)
	e.sessMu.RUnlock()
	return s
}

// ClearCache drops all cached verdicts, for use after signature or rule
// reloads that may change earlier decisions.
func (e *Engine) ClearCache() {
	if e.cache != nil {
		e.cache.clear()
	}
}

// vectorFingerprint hashes a vector's feature values into a cache key.
func vectorFingerprint(vec feature.Vector) string {
	h := sha256.New()
	var buf [4]byte
	for _, f := range vec.Data {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(f))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}
