package fileutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// AtomicWrite replaces the file at path without ever exposing a partial
// document: the bytes are staged in a temp file beside the target,
// fsynced, then published by a single rename.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	tmpPath, err := stageTemp(path, data, perm)
	if err != nil {
		return fmt.Errorf("staging %s: %w", filepath.Base(path), err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("publishing %s: %w", filepath.Base(path), err)
	}
	return nil
}

// stageTemp writes the payload into a temp file in path's directory
// (rename is only atomic within one filesystem) and returns its name.
// The temp file is removed on any failure.
func stageTemp(path string, data []byte, perm os.FileMode) (string, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".loom-*.tmp")
	if err != nil {
		return "", err
	}
	name := tmp.Name()

	_, err = tmp.Write(data)
	if err == nil {
		// Flush before the rename so a crash never publishes short reads.
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(name, perm)
	}

	if err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

// WriteJSON atomically persists v as an indented JSON document, the
// on-disk shape of the runtime's durable state (the credential store).
func WriteJSON(path string, v any, perm os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	return AtomicWrite(path, data, perm)
}
