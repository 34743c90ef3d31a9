// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package watch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AbortFileName is the per-submission file the helper writes abort
// requests into: one line per EAR, "1" meaning abort requested.
const AbortFileName = "abort_EARs.txt"

// DirWatcher is the client side of the external "helper" daemon. The
// helper itself is out of scope; this type only appends workflow
// directories to its watch-list file and can write abort requests into a
// submission directory.
type DirWatcher struct {
	watchFile string
}

// NewDirWatcher creates a watcher client around the helper's watch-list
// file.
func NewDirWatcher(watchFile string) *DirWatcher {
	return &DirWatcher{watchFile: watchFile}
}

// AppendWorkflowDir adds a workflow directory to the watch-list file,
// creating the file if needed. Already-listed directories are not
// duplicated.
func (w *DirWatcher) AppendWorkflowDir(workflowDir string) error {
	existing, err := w.ListWorkflowDirs()
	if err != nil {
		return err
	}
	for _, dir := range existing {
		if dir == workflowDir {
			return nil
		}
	}

	f, err := os.OpenFile(w.watchFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("watch: open watch file: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintln(f, workflowDir); err != nil {
		return fmt.Errorf("watch: append to watch file: %w", err)
	}
	return nil
}

// ListWorkflowDirs returns the currently watched workflow directories.
func (w *DirWatcher) ListWorkflowDirs() ([]string, error) {
	data, err := os.ReadFile(w.watchFile)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("watch: read watch file: %w", err)
	}

	var dirs []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			dirs = append(dirs, line)
		}
	}
	return dirs, nil
}

// WriteAbortEARs writes the abort-request file into a submission
// directory: one line per EAR ID in earIDs order, "1" for those in
// abortIDs and "0" otherwise.
func WriteAbortEARs(submissionDir string, earIDs []int, abortIDs map[int]bool) error {
	lines := make([]string, len(earIDs))
	for i, id := range earIDs {
		if abortIDs[id] {
			lines[i] = "1"
		} else {
			lines[i] = "0"
		}
	}
	content := strings.Join(lines, "\n") + "\n"
	path := filepath.Join(submissionDir, AbortFileName)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("watch: write %s: %w", AbortFileName, err)
	}
	return nil
}

// ReadAbortEARs reads a submission's abort-request file and reports, in
// file order, whether each EAR has an abort requested. A missing file
// means no aborts are requested.
func ReadAbortEARs(submissionDir string) ([]bool, error) {
	path := filepath.Join(submissionDir, AbortFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("watch: read %s: %w", AbortFileName, err)
	}

	var out []bool
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		out = append(out, strings.TrimSpace(line) == "1")
	}
	return out, nil
}
