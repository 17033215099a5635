// Package statestore persists supervisor state as a single JSON document.
//
// Reads are forgiving: a missing or corrupt file yields an empty, usable
// state together with a typed *LoadError so callers can tell the cases apart.
// Writes are atomic (temp file in the same directory, then rename) and their
// errors always propagate.
package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LoadErrorKind classifies a state read failure.
type LoadErrorKind string

const (
	// KindMissing means no state file exists yet.
	KindMissing LoadErrorKind = "missing"
	// KindUnreadable means the file exists but could not be read.
	KindUnreadable LoadErrorKind = "unreadable"
	// KindMalformed means the file content is not a valid state document.
	KindMalformed LoadErrorKind = "malformed"
)

// LoadError describes why Load fell back to an empty state.
type LoadError struct {
	Kind LoadErrorKind
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("state %s (%s): %v", e.Kind, e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// IsMissing reports whether err is a LoadError for an absent file.
func IsMissing(err error) bool {
	var le *LoadError
	return errors.As(err, &le) && le.Kind == KindMissing
}

// IsMalformed reports whether err is a LoadError for corrupt content.
func IsMalformed(err error) bool {
	var le *LoadError
	return errors.As(err, &le) && le.Kind == KindMalformed
}

// Load reads the state at path. The returned state is never nil.
func Load(path string) (*State, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), &LoadError{Kind: KindMissing, Path: path, Err: err}
		}
		return New(), &LoadError{Kind: KindUnreadable, Path: path, Err: err}
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return New(), &LoadError{Kind: KindMalformed, Path: path, Err: errors.New("state file is empty")}
	}

	var st State
	if err := json.Unmarshal([]byte(trimmed), &st); err != nil {
		return New(), &LoadError{Kind: KindMalformed, Path: path, Err: fmt.Errorf("parse state: %w", err)}
	}
	normalize(&st)
	return &st, nil
}

func normalize(st *State) {
	if st.Jobs == nil {
		st.Jobs = map[string]*JobState{}
	}
	for id, js := range st.Jobs {
		if js == nil {
			st.Jobs[id] = &JobState{}
		}
	}
	queue := st.Queue[:0]
	for _, item := range st.Queue {
		if item != nil {
			queue = append(queue, item)
		}
	}
	st.Queue = queue
	if len(st.Queue) == 0 {
		st.Queue = nil
	}
}

// Save writes st to path atomically, stamping version and updatedAt.
func Save(path string, st *State, now time.Time) error {
	if st == nil {
		return errors.New("state is nil")
	}
	if strings.TrimSpace(path) == "" {
		return errors.New("state path is empty")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	st.Version = Version
	st.UpdatedAt = Timestamp(now)
	if st.Jobs == nil {
		st.Jobs = map[string]*JobState{}
	}
	if len(st.Queue) == 0 {
		st.Queue = nil
	}

	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}
