// Vigil
// Copyright (c) 2024, 2026, Vigil Security GmbH

package feature

import (
	"encoding/binary"
	"strings"
)

// packerSectionNames are well-known section names left behind by executable
// packers and protectors.
var packerSectionNames = []string{
	"UPX", ".aspack", ".adata", ".vmp", ".themida", ".petite", ".MPRESS",
	".enigma", ".boom", ".ccg",
}

const (
	maxSections   = 96
	sectionSample = 8 // per-section size features kept in the vector
)

// peFeatures is the bounded set of structural header fields extracted from a
// native executable. The zero value represents "no parseable PE header" and
// converts to an all-zero feature block.
type peFeatures struct {
	present            bool
	machine            uint16
	sectionCount       int
	timestamp          uint32
	characteristics    uint16
	entryPoint         uint32
	subsystem          uint16
	linkerMajor        uint8
	sizeOfCode         uint32
	sizeOfImage        uint32
	dllCharacteristics uint16
	pe32Plus           bool
	signed             bool
	packedSections     int
	rawSizes           []uint32
	virtualSizes       []uint32
}

type byteReader struct {
	data []byte
}

func (r byteReader) u8(off int) (uint8, bool) {
	if off < 0 || off >= len(r.data) {
		return 0, false
	}
	return r.data[off], true
}

func (r byteReader) u16(off int) (uint16, bool) {
	if off < 0 || off+2 > len(r.data) {
		return 0, false
	}
	return binary.LittleEndian.Uint16(r.data[off:]), true
}

func (r byteReader) u32(off int) (uint32, bool) {
	if off < 0 || off+4 > len(r.data) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(r.data[off:]), true
}

// parsePE performs a defensive, bounds-checked parse of a PE header. The
// input is attacker-controlled: any offset outside the buffer aborts the
// structural parse and returns whatever was gathered so far flagged as
// absent, never an error or a panic. Only the header subset needed for
// scoring is read; this is deliberately not a full format parser.
func parsePE(data []byte) peFeatures {
	var pe peFeatures
	r := byteReader{data: data}

	if len(data) < 0x40 || data[0] != 'M' || data[1] != 'Z' {
		return pe
	}
	lfanew, ok := r.u32(0x3c)
	if !ok || lfanew > uint32(len(data)) {
		return pe
	}
	peOff := int(lfanew)
	if peOff+4 > len(data) || data[peOff] != 'P' || data[peOff+1] != 'E' ||
		data[peOff+2] != 0 || data[peOff+3] != 0 {
		return pe
	}

	coff := peOff + 4
	machine, ok1 := r.u16(coff)
	nSections, ok2 := r.u16(coff + 2)
	timestamp, ok3 := r.u32(coff + 4)
	optSize, ok4 := r.u16(coff + 16)
	characteristics, ok5 := r.u16(coff + 18)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return pe
	}
	if int(nSections) > maxSections {
		return pe
	}

	pe.machine = machine
	pe.sectionCount = int(nSections)
	pe.timestamp = timestamp
	pe.characteristics = characteristics

	opt := coff + 20
	magic, ok := r.u16(opt)
	if !ok {
		return pe
	}
	switch magic {
	case 0x010b:
	case 0x020b:
		pe.pe32Plus = true
	default:
		return pe
	}

	// From here on the header is considered present; remaining fields are
	// filled in best-effort and left zero when out of bounds.
	pe.present = true

	if v, ok := r.u8(opt + 2); ok {
		pe.linkerMajor = v
	}
	if v, ok := r.u32(opt + 4); ok {
		pe.sizeOfCode = v
	}
	if v, ok := r.u32(opt + 16); ok {
		pe.entryPoint = v
	}
	if v, ok := r.u32(opt + 56); ok {
		pe.sizeOfImage = v
	}
	if v, ok := r.u16(opt + 68); ok {
		pe.subsystem = v
	}
	if v, ok := r.u16(opt + 70); ok {
		pe.dllCharacteristics = v
	}

	// The certificate table directory tells us whether an authenticode
	// signature blob exists. Absence marks the executable as unsigned.
	dirBase := opt + 96
	if pe.pe32Plus {
		dirBase = opt + 112
	}
	nDirs, ok := r.u32(dirBase - 4)
	if ok && nDirs > 4 {
		if certSize, ok := r.u32(dirBase + 4*8 + 4); ok && certSize > 0 {
			pe.signed = true
		}
	}

	// Section table: names flag packed sections, sizes feed the vector.
	sect := opt + int(optSize)
	for i := 0; i < pe.sectionCount; i++ {
		off := sect + 40*i
		if off+40 > len(data) {
			break
		}
		name := sectionName(data[off : off+8])
		for _, p := range packerSectionNames {
			if strings.EqualFold(name, p) || strings.HasPrefix(name, "UPX") {
				pe.packedSections++
				break
			}
		}
		vsize, _ := r.u32(off + 8)
		rsize, _ := r.u32(off + 16)
		pe.virtualSizes = append(pe.virtualSizes, vsize)
		pe.rawSizes = append(pe.rawSizes, rsize)
	}

	return pe
}

func sectionName(raw []byte) string {
	end := len(raw)
	for i, b := range raw {
		if b == 0 {
			end = i
			break
		}
	}
	return string(raw[:end])
}

// toFeatures converts the parsed header into a fixed-size feature block.
// An absent header yields an all-zero block of the same size.
func (pe peFeatures) toFeatures() []float32 {
	out := make([]float32, 0, 12+2*sectionSample)
	boolF := func(b bool) float32 {
		if b {
			return 1
		}
		return 0
	}
	out = append(out,
		boolF(pe.present),
		float32(pe.sectionCount)/float32(maxSections),
		scale32(pe.entryPoint),
		float32(pe.subsystem)/16.0,
		float32(pe.linkerMajor)/32.0,
		scale32(pe.sizeOfCode),
		scale32(pe.sizeOfImage),
		float32(pe.characteristics)/65535.0,
		float32(pe.dllCharacteristics)/65535.0,
		boolF(pe.pe32Plus),
		boolF(pe.present && !pe.signed),
		float32(pe.packedSections)/float32(maxSections),
	)
	for i := 0; i < sectionSample; i++ {
		var raw, virt float32
		if i < len(pe.rawSizes) {
			raw = scale32(pe.rawSizes[i])
		}
		if i < len(pe.virtualSizes) {
			virt = scale32(pe.virtualSizes[i])
		}
		out = append(out, raw, virt)
	}
	return out
}

// scale32 compresses a 32-bit field into [0,1) without overflowing float32
// precision for typical header values.
func scale32(v uint32) float32 {
	return float32(v%(1<<24)) / float32(1<<24)
}
