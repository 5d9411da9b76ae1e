// Vigil
// Copyright (c) 2024, 2026, Vigil Security GmbH

package engine

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vigil-av/vigil/feature"
)

// ErrFeedbackClosed is returned when feedback is recorded without an open
// feedback file.
var ErrFeedbackClosed = errors.New("feedback log is not open")

// OpenFeedback opens (or creates) the append-only feedback log used to
// collect labeled vectors for later retraining.
func (e *Engine) OpenFeedback(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	e.feedbackMu.Lock()
	if e.feedbackFile != nil {
		e.feedbackFile.Close()
	}
	e.feedbackFile = f
	e.feedbackMu.Unlock()
	return nil
}

// RecordFeedback appends one labeled vector to the feedback log as a
// tab-separated line of timestamp, label, origin and feature values.
func (e *Engine) RecordFeedback(vec feature.Vector, label, origin string) error {
	if !vec.Valid {
		return fmt.Errorf("refusing to record invalid vector: %s", vec.Err)
	}

	var sb strings.Builder
	sb.WriteString(time.Now().UTC().Format(time.RFC3339))
	sb.WriteByte('\t')
	sb.WriteString(label)
	sb.WriteByte('\t')
	sb.WriteString(origin)
	sb.WriteByte('\t')
	for i, f := range vec.Data {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'g', 6, 32))
	}
	sb.WriteByte('\n')

	e.feedbackMu.Lock()
	defer e.feedbackMu.Unlock()
	if e.feedbackFile == nil {
		return ErrFeedbackClosed
	}
	_, err := e.feedbackFile.WriteString(sb.String())
	return err
}

// CloseFeedback closes the feedback log if open.
func (e *Engine) CloseFeedback() error {
	e.feedbackMu.Lock()
	defer e.feedbackMu.Unlock()
	if e.feedbackFile == nil {
		return nil
	}
	err := e.feedbackFile.Close()
	e.feedbackFile = nil
	return err
}
