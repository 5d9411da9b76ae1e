// Vigil
// Copyright (c) 2024, 2026, Vigil Security GmbH

package monitor

import (
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/vimeo/go-magic/magic"
)

// dangerousExtensions is the set of file extensions scanned by default when
// full-filesystem scanning is disabled.
var dangerousExtensions = map[string]struct{}{
	".exe": {}, ".dll": {}, ".scr": {}, ".bat": {}, ".cmd": {},
	".ps1": {}, ".vbs": {}, ".js": {}, ".jar": {}, ".zip": {}, ".rar": {},
}

var allowedMagicPatterns = make(map[string]*regexp.Regexp)

func init() {
	allowedMagicPatterns["Executables"] = regexp.MustCompile("(for MS Windows|(ELF|Mach-O).*(executable|shared object))")
	allowedMagicPatterns["Archives"] = regexp.MustCompile("(Zip archive|RAR archive|Java archive)")
	allowedMagicPatterns["Scripts"] = regexp.MustCompile("script.*text executable")
}

// HasDangerousExtension reports whether the path carries one of the
// extensions scanned in extension-gated mode.
func HasDangerousExtension(path string) bool {
	_, ok := dangerousExtensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// AllowedMagicPattern checks whether a magic string is within the definition
// of files that are relevant for scanning, as given via a set of regular
// expressions on magic strings.
func AllowedMagicPattern(m string) bool {
	for _, pattern := range allowedMagicPatterns {
		if pattern.MatchString(m) {
			return true
		}
	}
	return false
}

var magicFiles map[string]bool
var magicMutex sync.Mutex

func init() {
	magicFiles = make(map[string]bool)
}

// AddMagicFile adds an extra magic definition file consulted by
// MagicFromFile.
func AddMagicFile(path string) {
	magicMutex.Lock()
	magicFiles[path] = true
	magicMutex.Unlock()
}

// MagicFromFile returns a magic string for the file in the given path.
func MagicFromFile(path string) string {
	cookie := magic.Open(magic.MAGIC_ERROR | magic.MAGIC_NONE)
	defer magic.Close(cookie)
	magicMutex.Lock()
	var mf []string
	for f := range magicFiles {
		mf = append(mf, f)
	}
	magicMutex.Unlock()
	ret := magic.Load(cookie, strings.Join(mf, ":"))
	if ret != 0 {
		return "unknown file type"
	}
	return magic.File(cookie, path)
}

// underPath reports whether path equals base or lies below it.
func underPath(base, path string) bool {
	if base == path {
		return true
	}
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
