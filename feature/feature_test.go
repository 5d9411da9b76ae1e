// Vigil
// Copyright (c) 2024, 2026, Vigil Security GmbH

package feature

import (
	"bytes"
	"strings"
	"testing"
)

func TestExtractVectorLength(t *testing.T) {
	e := NewExtractor(DefaultConfig())

	inputs := [][]byte{
		[]byte("x"),
		[]byte("short input"),
		bytes.Repeat([]byte("abcd"), 4096),
		bytes.Repeat([]byte{0xff}, 3),
	}
	for i, in := range inputs {
		v := e.Extract(in, StaticBinary)
		if !v.Valid {
			t.Fatalf("input %d: vector unexpectedly invalid: %s", i, v.Err)
		}
		if len(v.Data) != e.VectorSize() {
			t.Fatalf("input %d: vector length %d, want %d", i, len(v.Data), e.VectorSize())
		}
	}
}

func TestExtractEmptyInvalid(t *testing.T) {
	e := NewExtractor(DefaultConfig())
	v := e.Extract(nil, StaticBinary)
	if v.Valid {
		t.Fatal("empty input must yield an invalid vector")
	}
	if v.Err == "" {
		t.Fatal("invalid vector must carry an error message")
	}
	if len(v.Data) != 0 {
		t.Fatal("invalid vector must not carry data")
	}
}

func TestExtractOversizedInvalid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxInputSize = 16
	e := NewExtractor(cfg)
	v := e.Extract(bytes.Repeat([]byte("a"), 17), StaticBinary)
	if v.Valid {
		t.Fatal("oversized input must yield an invalid vector")
	}
}

func TestEntropyBranches(t *testing.T) {
	e := NewExtractor(DefaultConfig())

	// all 256 byte values equally often: entropy is exactly 8 bits
	high := make([]byte, 0, 256*16)
	for i := 0; i < 16; i++ {
		for b := 0; b < 256; b++ {
			high = append(high, byte(b))
		}
	}
	vh := e.Extract(high, StaticBinary)
	if vh.Summary.Entropy <= 7.5 {
		t.Fatalf("expected high entropy, got %f", vh.Summary.Entropy)
	}

	// all-zero buffer of the same size: entropy 0, maximal deviation
	vz := e.Extract(make([]byte, len(high)), StaticBinary)
	if vz.Summary.Entropy != 0 {
		t.Fatalf("expected zero entropy, got %f", vz.Summary.Entropy)
	}
	if vz.Summary.UniformityDev <= vh.Summary.UniformityDev {
		t.Fatal("all-zero buffer should deviate more from uniform than full-range buffer")
	}
}

func TestSuspiciousStringHits(t *testing.T) {
	e := NewExtractor(DefaultConfig())
	data := []byte("padding\x00CreateRemoteThread\x00more\x00powershell.exe -enc AAAA\x00")
	v := e.Extract(data, StaticBinary)
	if v.Summary.SuspiciousHits != 2 {
		t.Fatalf("expected 2 suspicious hits, got %d", v.Summary.SuspiciousHits)
	}
	if v.Summary.PrintableStrings < 3 {
		t.Fatalf("expected at least 3 strings, got %d", v.Summary.PrintableStrings)
	}
}

func TestStringCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxStrings = 10
	e := NewExtractor(cfg)
	data := []byte(strings.Repeat("longenoughstring\x00", 100))
	v := e.Extract(data, StaticBinary)
	if v.Summary.PrintableStrings != 10 {
		t.Fatalf("string cap not applied: got %d strings", v.Summary.PrintableStrings)
	}
}

func TestNormalizedRange(t *testing.T) {
	e := NewExtractor(DefaultConfig())
	v := e.Extract([]byte("some arbitrary content with strings like cmd.exe inside"), StaticBinary)
	for i, f := range v.Data {
		if f < 0 || f > 1 {
			t.Fatalf("feature %d out of range after normalization: %f", i, f)
		}
	}
}

func TestSimilarity(t *testing.T) {
	e := NewExtractor(DefaultConfig())
	a := e.Extract([]byte("identical content for similarity"), StaticBinary)
	b := e.Extract([]byte("identical content for similarity"), StaticBinary)
	if s := Similarity(a, b); s < 0.999 {
		t.Fatalf("identical content should have similarity ~1, got %f", s)
	}
	if s := Similarity(a, Vector{}); s != 0 {
		t.Fatalf("similarity with invalid vector should be 0, got %f", s)
	}
}

func TestExtractDeterministic(t *testing.T) {
	e := NewExtractor(DefaultConfig())
	data := []byte("determinism check content")
	a := e.Extract(data, StaticBinary)
	b := e.Extract(data, StaticBinary)
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatalf("vectors differ at index %d", i)
		}
	}
}

func TestBehaviorVector(t *testing.T) {
	e := NewExtractor(DefaultConfig())
	v := e.ExtractBehavior(BehaviorReport{
		ModuleCount:  64,
		ThreadCount:  12,
		Elevated:     true,
		InjectedCode: true,
		Techniques:   []Technique{TechniqueInjection, TechniquePersistence},
		ThreatScore:  0.8,
	})
	if !v.Valid {
		t.Fatal("behavior vector should be valid")
	}
	if len(v.Data) != e.VectorSize() {
		t.Fatalf("behavior vector length %d, want %d", len(v.Data), e.VectorSize())
	}
	if v.Kind != Behavioral {
		t.Fatal("wrong vector kind")
	}
}

func TestHybridVector(t *testing.T) {
	e := NewExtractor(DefaultConfig())
	rep := BehaviorReport{InjectedCode: true, ThreatScore: 1.0}
	static := e.Extract([]byte("hybrid input content"), Hybrid)
	hybrid := e.ExtractHybrid([]byte("hybrid input content"), rep)
	if !hybrid.Valid || hybrid.Kind != Hybrid {
		t.Fatal("hybrid vector should be valid with hybrid kind")
	}
	if len(hybrid.Data) != len(static.Data) {
		t.Fatal("hybrid vector size mismatch")
	}
	diff := false
	for i := range hybrid.Data {
		if hybrid.Data[i] != static.Data[i] {
			diff = true
			break
		}
	}
	if !diff {
		t.Fatal("behavioral block should change the hybrid vector")
	}
}
