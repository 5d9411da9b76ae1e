// Vigil
// Copyright (c) 2024, 2026, Vigil Security GmbH

package feature

import (
	"encoding/binary"
	"testing"

	"github.com/vigil-av/vigil/util"
)

func TestParsePEWellFormed(t *testing.T) {
	data := util.MakeTestPE([]string{".text", ".rdata"}, []byte("payload"))
	pe := parsePE(data)
	if !pe.present {
		t.Fatal("well-formed PE header not recognized")
	}
	if pe.sectionCount != 2 {
		t.Fatalf("expected 2 sections, got %d", pe.sectionCount)
	}
	if pe.signed {
		t.Fatal("test PE has no certificate table, should be unsigned")
	}
	if pe.packedSections != 0 {
		t.Fatalf("no packer sections expected, got %d", pe.packedSections)
	}
}

func TestParsePEPackedSections(t *testing.T) {
	data := util.MakeTestPE([]string{"UPX0", "UPX1", ".rsrc"}, nil)
	pe := parsePE(data)
	if !pe.present {
		t.Fatal("PE header not recognized")
	}
	if pe.packedSections != 2 {
		t.Fatalf("expected 2 packed sections, got %d", pe.packedSections)
	}
}

func TestParsePETruncatedNeverPanics(t *testing.T) {
	data := util.MakeTestPE([]string{".text"}, []byte("tail"))
	for i := 0; i <= len(data); i++ {
		// must not panic at any truncation point
		parsePE(data[:i])
	}
}

func TestParsePEBogusOffsets(t *testing.T) {
	data := util.MakeTestPE([]string{".text"}, nil)

	// e_lfanew pointing past the end of the buffer
	bogus := append([]byte(nil), data...)
	binary.LittleEndian.PutUint32(bogus[0x3c:], uint32(len(bogus)+1000))
	if parsePE(bogus).present {
		t.Fatal("out-of-bounds e_lfanew must abort the structural parse")
	}

	// absurd section count
	bogus = append([]byte(nil), data...)
	peOff := binary.LittleEndian.Uint32(bogus[0x3c:])
	binary.LittleEndian.PutUint16(bogus[peOff+4+2:], 0xffff)
	if parsePE(bogus).present {
		t.Fatal("absurd section count must abort the structural parse")
	}
}

func TestParsePENonPE(t *testing.T) {
	if parsePE([]byte("#!/bin/sh\necho hi\n")).present {
		t.Fatal("shell script recognized as PE")
	}
	if parsePE([]byte("MZ")).present {
		t.Fatal("bare MZ magic recognized as PE")
	}
}

func TestExtractionSurvivesMalformedPE(t *testing.T) {
	e := NewExtractor(DefaultConfig())
	data := util.MakeTestPE([]string{".text"}, []byte("tail"))
	for i := 1; i <= len(data); i += 13 {
		v := e.Extract(data[:i], StaticBinary)
		if !v.Valid {
			t.Fatalf("truncation at %d made the whole extraction fail: %s", i, v.Err)
		}
		if len(v.Data) != e.VectorSize() {
			t.Fatalf("truncation at %d broke the length invariant", i)
		}
	}
}
