// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package store persists the workflow image: template, tasks, elements,
// EARs, parameters and submissions. Writers accumulate changes in a
// pending buffer; CommitPending atomically replaces the on-disk image
// (write-to-temp then rename). A lock file serialises writers; readers
// always see the last committed image, overlaid with this process's own
// pending changes.
package store

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/ezrah/flowengine/internal/model"
	"github.com/ezrah/flowengine/pkg/errors"
	"github.com/ezrah/flowengine/pkg/logging"
	"github.com/ezrah/flowengine/pkg/retry"
)

// Mode controls whether a Store accepts writes.
type Mode int

const (
	// ModeRead opens the store for reading only.
	ModeRead Mode = iota
	// ModeReadWrite opens the store for reading and writing.
	ModeReadWrite
)

const lockFileName = ".lock"

// Store is the JSON-document workflow store.
type Store struct {
	path   string // workflow directory
	mode   Mode
	logger logging.Logger

	mu         sync.Mutex
	cached     *document
	cacheDepth int
	lastHash   string
	pending    *pending
}

// Open opens an existing workflow store at path. It fails with a
// WorkflowNotFound error when no store signature is present.
func Open(path string, mode Mode, logger logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	metaPath := filepath.Join(path, MetadataFileName)
	if _, err := os.Stat(metaPath); err != nil {
		return nil, errors.NewNotFoundError(path)
	}
	return &Store{
		path:    path,
		mode:    mode,
		logger:  logger,
		pending: newPending(),
	}, nil
}

// WriteEmpty creates a new workflow directory at path containing an
// empty store image. When overwrite is set and path already exists, the
// prior directory is renamed to a random suffix first so recovery is
// possible; the new image records the replaced name.
func WriteEmpty(path string, template *TemplateDoc, components map[string]json.RawMessage, overwrite bool) error {
	replaced := ""
	if _, err := os.Stat(path); err == nil {
		if !overwrite {
			return errors.NewEngineError(errors.ErrorCodeConflict,
				fmt.Sprintf("path already exists: %s", path))
		}
		replaced = path + "-" + uuid.NewString()[:8]
		if err := os.Rename(path, replaced); err != nil {
			return fmt.Errorf("store: rename existing workflow: %w", err)
		}
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("store: create workflow dir: %w", err)
	}

	doc := newEmptyDocument(template, components)
	if replaced != "" {
		doc.ReplacedFile = filepath.Base(replaced)
	}
	return dumpToPath(filepath.Join(path, MetadataFileName), doc)
}

// Path returns the workflow directory.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) metadataPath() string {
	return filepath.Join(s.path, MetadataFileName)
}

// load returns the current document: the pinned snapshot inside a
// CachedLoad, otherwise a fresh read from disk. Callers hold s.mu.
func (s *Store) load() (*document, error) {
	if s.cached != nil {
		return s.cached, nil
	}
	return s.loadFromDisk()
}

func (s *Store) loadFromDisk() (*document, error) {
	data, err := os.ReadFile(s.metadataPath())
	if err != nil {
		return nil, errors.NewNotFoundError(s.path)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.NewEngineErrorWithCause(errors.ErrorCodeRuntimeError,
			"store image is corrupt", err)
	}
	if doc.Template == nil {
		doc.Template = &TemplateDoc{}
	}
	if doc.TemplateComponents == nil {
		doc.TemplateComponents = map[string]json.RawMessage{}
	}
	if doc.ParameterData == nil {
		doc.ParameterData = map[int]*ParamValue{}
	}
	if doc.ParameterSources == nil {
		doc.ParameterSources = map[int]model.ParameterSource{}
	}
	if doc.Runs == nil {
		doc.Runs = map[int]*model.EAR{}
	}
	sum := md5.Sum(data)
	s.lastHash = hex.EncodeToString(sum[:])
	return &doc, nil
}

// CachedLoad pins a snapshot of the committed image for the duration of
// fn, so multiple reads share one disk read. Nested acquisitions share
// the same snapshot. The snapshot is released on all exit paths.
func (s *Store) CachedLoad(fn func() error) error {
	s.mu.Lock()
	if s.cacheDepth == 0 {
		doc, err := s.loadFromDisk()
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.cached = doc
	}
	s.cacheDepth++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.cacheDepth--
		if s.cacheDepth == 0 {
			s.cached = nil
		}
		s.mu.Unlock()
	}()

	return fn()
}

// IsModifiedOnDisk reports whether the on-disk image differs from the
// one last read by this store.
func (s *Store) IsModifiedOnDisk() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastHash == "" {
		return false, nil
	}
	data, err := os.ReadFile(s.metadataPath())
	if err != nil {
		return false, err
	}
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:]) != s.lastHash, nil
}

// RemoveReplacedFile deletes the directory a prior overwrite preserved,
// confirming the overwrite.
func (s *Store) RemoveReplacedFile() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	if doc.ReplacedFile == "" {
		return nil
	}
	replaced := filepath.Join(filepath.Dir(s.path), doc.ReplacedFile)
	if err := os.RemoveAll(replaced); err != nil {
		return fmt.Errorf("store: remove replaced dir: %w", err)
	}
	s.pending.removeReplacedFileRecord = true
	return nil
}

// ReinstateReplacedFile rolls an overwrite back: the current directory's
// image is discarded and the preserved one renamed into place.
func (s *Store) ReinstateReplacedFile() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	if doc.ReplacedFile == "" {
		return errors.NewEngineError(errors.ErrorCodeRuntimeError,
			"no replaced directory recorded")
	}
	replaced := filepath.Join(filepath.Dir(s.path), doc.ReplacedFile)
	if err := os.RemoveAll(s.path); err != nil {
		return fmt.Errorf("store: remove current dir: %w", err)
	}
	if err := os.Rename(replaced, s.path); err != nil {
		return fmt.Errorf("store: reinstate replaced dir: %w", err)
	}
	return nil
}

// acquireLock takes the store-level writer lock. The lock is a file
// created exclusively; a concurrent writer retries briefly then fails.
func (s *Store) acquireLock() (func(), error) {
	lockPath := filepath.Join(s.path, lockFileName)
	policy := retry.StoreCommitRetry()

	var f *os.File
	err := retry.Do(context.Background(), policy, func() error {
		var openErr error
		f, openErr = os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		return openErr
	})
	if err != nil {
		return nil, errors.NewEngineErrorWithCause(errors.ErrorCodeConflict,
			"store is locked by another writer", err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()

	return func() { os.Remove(lockPath) }, nil
}

// dumpToPath writes doc atomically: marshal to a temp file in the same
// directory, then rename over the target.
func dumpToPath(path string, doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal image: %w", err)
	}

	tmp := path + ".tmp-" + uuid.NewString()[:8]
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("store: write temp image: %w", err)
	}

	err = retry.Do(context.Background(), retry.StoreCommitRetry(), func() error {
		return os.Rename(tmp, path)
	})
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: rename image into place: %w", err)
	}
	return nil
}

func (s *Store) requireWritable() error {
	if s.mode != ModeReadWrite {
		return errors.NewEngineError(errors.ErrorCodeValidationFailed,
			"store opened read-only")
	}
	return nil
}
