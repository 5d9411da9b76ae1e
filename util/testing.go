// Vigil
// Copyright (c) 2024, 2026, Vigil Security GmbH

package util

import (
	"encoding/binary"
	"os"

	"github.com/hillu/go-yara/v4"
)

// MakeYARARuleFile compiles a given YARA rule source file and writes the
// compiled version to a given file name. Used by tests that exercise the
// rule-based detection stage.
func MakeYARARuleFile(srcFile string, outFile string) error {
	compiler, err := yara.NewCompiler()
	if err != nil {
		return err
	}
	defer compiler.Destroy()
	ruleFile, err := os.Open(srcFile)
	if err != nil {
		return err
	}
	defer ruleFile.Close()
	err = compiler.AddFile(ruleFile, "test")
	if err != nil {
		return err
	}
	rules, err := compiler.GetRules()
	if err != nil {
		return err
	}
	defer rules.Destroy()
	return rules.Save(outFile)
}

// MakeTestPE assembles a minimal but structurally valid PE32 image with the
// given section names, appending the given payload after the headers. The
// result parses with the bounded header reader used for feature extraction
// and is handy for constructing test samples without shipping binaries.
func MakeTestPE(sectionNames []string, payload []byte) []byte {
	const (
		peOffset      = 0x80
		optHeaderSize = 224 // PE32
	)

	headerSize := peOffset + 4 + 20 + optHeaderSize + 40*len(sectionNames)
	buf := make([]byte, headerSize)

	// DOS header
	buf[0] = 'M'
	buf[1] = 'Z'
	binary.LittleEndian.PutUint32(buf[0x3c:], peOffset)

	// PE signature
	copy(buf[peOffset:], []byte{'P', 'E', 0, 0})

	// COFF header
	coff := peOffset + 4
	binary.LittleEndian.PutUint16(buf[coff:], 0x014c) // i386
	binary.LittleEndian.PutUint16(buf[coff+2:], uint16(len(sectionNames)))
	binary.LittleEndian.PutUint32(buf[coff+4:], 0x5f000000) // timestamp
	binary.LittleEndian.PutUint16(buf[coff+16:], optHeaderSize)
	binary.LittleEndian.PutUint16(buf[coff+18:], 0x0102) // executable, 32-bit

	// Optional header
	opt := coff + 20
	binary.LittleEndian.PutUint16(buf[opt:], 0x010b)    // PE32 magic
	buf[opt+2] = 14                                     // linker major
	binary.LittleEndian.PutUint32(buf[opt+4:], 0x1000)  // SizeOfCode
	binary.LittleEndian.PutUint32(buf[opt+16:], 0x1000) // AddressOfEntryPoint
	binary.LittleEndian.PutUint32(buf[opt+56:], 0x4000) // SizeOfImage
	binary.LittleEndian.PutUint16(buf[opt+68:], 2)      // Subsystem GUI
	binary.LittleEndian.PutUint16(buf[opt+70:], 0x8140) // DllCharacteristics
	binary.LittleEndian.PutUint32(buf[opt+92:], 16)     // NumberOfRvaAndSizes

	// Section headers
	sect := opt + optHeaderSize
	for i, name := range sectionNames {
		off := sect + 40*i
		copy(buf[off:off+8], []byte(name))
		binary.LittleEndian.PutUint32(buf[off+8:], 0x1000)                // VirtualSize
		binary.LittleEndian.PutUint32(buf[off+16:], uint32(len(payload))) // SizeOfRawData
		binary.LittleEndian.PutUint32(buf[off+36:], 0x60000020)           // Characteristics
	}

	return append(buf, payload...)
}
