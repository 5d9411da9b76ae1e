// Vigil
// Copyright (c) 2024, 2026, Vigil Security GmbH

package feature

import (
	"hash/fnv"
	"strings"
)

// suspiciousKeywords is the fixed dictionary of API names, tool names and
// command interpreters whose presence in extracted strings raises the
// suspicious-hit count.
var suspiciousKeywords = []string{
	"CreateRemoteThread", "WriteProcessMemory", "VirtualAllocEx",
	"OpenProcess", "ReadProcessMemory", "NtUnmapViewOfSection",
	"SetWindowsHookEx", "GetAsyncKeyState", "GetForegroundWindow",
	"URLDownloadToFile", "WinExec", "ShellExecute", "CreateProcess",
	"cmd.exe", "powershell.exe", "regsvr32.exe", "mshta.exe",
	"WSASocket", "InternetOpen", "InternetConnect", "HttpSendRequest",
	"CreateFileMapping", "MapViewOfFile", "RtlCreateUserThread",
	"NtCreateThreadEx", "QueueUserAPC", "SetThreadContext",
}

// packerMarkers are strings left in binaries by common packers and
// protectors.
var packerMarkers = []string{
	"UPX!", "UPX0", "UPX1", "Themida", "VMProtect", "ASPack", "MPRESS",
	"PECompact", "Enigma Protector",
}

type stringStats struct {
	count          int
	suspiciousHits int
	packerHits     int
	totalLength    int
	maxLength      int
	buckets        []float32
}

// extractStrings scans for printable ASCII runs of at least minLen bytes,
// stopping once maxStrings have been collected so that pathological inputs
// stay within the processing bound. Each string is matched against the
// suspicious keyword and packer dictionaries and feature-hashed into a
// fixed number of buckets.
func extractStrings(data []byte, minLen, maxStrings, bucketCount int) stringStats {
	st := stringStats{buckets: make([]float32, bucketCount)}

	start := -1
	for i := 0; i <= len(data); i++ {
		printable := i < len(data) && data[i] >= 0x20 && data[i] <= 0x7e
		if printable {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 && i-start >= minLen {
			st.addString(string(data[start:i]), bucketCount)
			if st.count >= maxStrings {
				break
			}
		}
		start = -1
	}

	if st.count > 0 {
		for i := range st.buckets {
			st.buckets[i] /= float32(st.count)
		}
	}
	return st
}

func (st *stringStats) addString(s string, bucketCount int) {
	st.count++
	st.totalLength += len(s)
	if len(s) > st.maxLength {
		st.maxLength = len(s)
	}
	for _, kw := range suspiciousKeywords {
		if strings.Contains(s, kw) {
			st.suspiciousHits++
			break
		}
	}
	for _, p := range packerMarkers {
		if strings.Contains(s, p) {
			st.packerHits++
			break
		}
	}
	st.buckets[hashBucket(s, bucketCount)]++
}

func hashBucket(s string, bucketCount int) int {
	h := fnv.New32a()
	h.Write([]byte(s))
	return int(h.Sum32() % uint32(bucketCount))
}

func (st stringStats) toFeatures() []float32 {
	var avgLen float32
	if st.count > 0 {
		avgLen = float32(st.totalLength) / float32(st.count)
	}
	out := []float32{
		float32(st.count) / 1000.0,
		ratio(st.suspiciousHits, st.count),
		ratio(st.packerHits, st.count),
		avgLen / 256.0,
		float32(st.maxLength) / 4096.0,
	}
	return append(out, st.buckets...)
}

func ratio(n, total int) float32 {
	if total == 0 {
		return 0
	}
	return float32(n) / float32(total)
}
