// Vigil
// Copyright (c) 2024, 2026, Vigil Security GmbH

package engine

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/hillu/go-yara/v4"
	"github.com/xi2/xz"
)

// SignatureEntry is one known-bad fingerprint with its assigned severity and
// threat name.
type SignatureEntry struct {
	Sha256   string
	Severity Level
	Name     string
}

// parseSignatureLine parses one `<sha256> <severity> <name>` line. Blank
// lines and '#' comments yield a nil entry without error.
func parseSignatureLine(line string) (*SignatureEntry, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil, nil
	}
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return nil, fmt.Errorf("signature line needs hash, severity and name: %q", line)
	}
	hash := strings.ToLower(fields[0])
	if len(hash) != 64 {
		return nil, fmt.Errorf("signature hash is not a sha256 digest: %q", fields[0])
	}
	sev, err := strconv.Atoi(fields[1])
	if err != nil || sev < int(LevelSafe) || sev > int(LevelCritical) {
		return nil, fmt.Errorf("signature severity out of range: %q", fields[1])
	}
	return &SignatureEntry{
		Sha256:   hash,
		Severity: Level(sev),
		Name:     strings.Join(fields[2:], " "),
	}, nil
}

// LoadSignatures replaces the signature table from a text file. Malformed
// lines are skipped with a warning so that one bad entry cannot take down
// the whole table.
func (e *Engine) LoadSignatures(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	table := make(map[string]SignatureEntry)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		entry, err := parseSignatureLine(scanner.Text())
		if err != nil {
			e.logger.Warnf("Skipping signature %s:%d: %v", path, lineNo, err)
			continue
		}
		if entry != nil {
			table[entry.Sha256] = *entry
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	e.sigMu.Lock()
	e.signatures = table
	e.sigMu.Unlock()
	e.logger.Infof("Loaded [%d] signatures from %s", len(table), path)
	return nil
}

// LoadWhitelist replaces the trusted-fingerprint set from a text file with
// one sha256 digest per line.
func (e *Engine) LoadWhitelist(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	set := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if len(line) != 64 {
			e.logger.Warnf("Skipping whitelist entry that is not a sha256 digest: %q", line)
			continue
		}
		set[line] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	e.sigMu.Lock()
	e.whitelist = set
	e.sigMu.Unlock()
	e.logger.Infof("Loaded [%d] whitelist entries from %s", len(set), path)
	return nil
}

// AddSignature inserts or replaces a single signature at runtime.
func (e *Engine) AddSignature(entry SignatureEntry) {
	e.sigMu.Lock()
	if e.signatures == nil {
		e.signatures = make(map[string]SignatureEntry)
	}
	e.signatures[strings.ToLower(entry.Sha256)] = entry
	e.sigMu.Unlock()
}

// AddWhitelisted marks a single fingerprint as trusted at runtime.
func (e *Engine) AddWhitelisted(sha256 string) {
	e.sigMu.Lock()
	if e.whitelist == nil {
		e.whitelist = make(map[string]struct{})
	}
	e.whitelist[strings.ToLower(sha256)] = struct{}{}
	e.sigMu.Unlock()
}

func (e *Engine) lookupSignature(fingerprint string) (SignatureEntry, bool) {
	e.sigMu.RLock()
	defer e.sigMu.RUnlock()
	entry, ok := e.signatures[fingerprint]
	return entry, ok
}

func (e *Engine) isWhitelisted(fingerprint string) bool {
	e.sigMu.RLock()
	defer e.sigMu.RUnlock()
	_, ok := e.whitelist[fingerprint]
	return ok
}

// LoadRules tries to get a compiled yara rule file, either from the local
// filesystem or via HTTP, optionally xz-compressed, and swaps it in for the
// rule scan stage.
func (e *Engine) LoadRules(ruleFile, ruleURI string, isXz bool) error {
	var ruleReader io.Reader

	if ruleFile != "" {
		e.logger.Info("Loading rule file ", ruleFile)
		fileReader, err := os.Open(ruleFile)
		if err != nil {
			return err
		}
		defer fileReader.Close()

		if isXz {
			ruleReader, err = xz.NewReader(fileReader, 0)
			if err != nil {
				return err
			}
		} else {
			ruleReader = fileReader
		}
	} else {
		e.logger.Debug("Retrieving rule file via HTTP from: ", ruleURI)
		response, err := http.Get(ruleURI)
		if err != nil {
			return err
		}
		defer response.Body.Close()

		if isXz {
			ruleReader, err = xz.NewReader(response.Body, 0)
			if err != nil {
				return err
			}
		} else {
			data, err := io.ReadAll(response.Body)
			if err != nil {
				return err
			}
			ruleReader = bytes.NewReader(data)
		}
	}

	rules, err := yara.ReadRules(ruleReader)
	if err != nil {
		return fmt.Errorf("error loading yara rule file: %v", err)
	}

	e.ruleMu.Lock()
	e.rules = rules
	e.ruleMu.Unlock()
	e.logger.Infof("Loaded [%d] rules", len(rules.GetRules()))
	return nil
}

// scanRules runs the loaded yara rules against a buffer. A nil rule set or a
// scan error yields no matches; the rule stage never blocks a scan.
func (e *Engine) scanRules(data []byte) []yara.MatchRule {
	e.ruleMu.RLock()
	rules := e.rules
	e.ruleMu.RUnlock()
	if rules == nil {
		return nil
	}

	var m yara.MatchRules
	err := rules.ScanMem(data, 0, 0, &m)
	if err != nil {
		e.logger.Warnf("Rule scan failed: %v", err)
		return nil
	}
	return m
}

// ruleSeverity reads an integer `severity` metadata field from a rule match,
// defaulting to the high level for rules that do not declare one.
func ruleSeverity(m yara.MatchRule) Level {
	for _, meta := range m.Metas {
		if meta.Identifier != "severity" {
			continue
		}
		if v, ok := meta.Value.(int); ok && v >= int(LevelSafe) && v <= int(LevelCritical) {
			return Level(v)
		}
	}
	return LevelHigh
}
