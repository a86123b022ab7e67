package cache

import (
	"encoding/json"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/renameio/v2"
)

const manifestName = "index.json"

type manifestEntry struct {
	ID         string    `json:"id"`
	Size       int64     `json:"size"`
	LastAccess time.Time `json:"last_access"`
}

type manifest struct {
	Version int             `json:"version"`
	Entries []manifestEntry `json:"entries"`
}

// writeManifest replaces the manifest atomically.
func writeManifest(path string, m manifest) error {
	pendingFile, err := renameio.NewPendingFile(path)
	if err != nil {
		return errors.Wrap(err, "create pending manifest")
	}
	defer func() { _ = pendingFile.Cleanup() }()

	enc := json.NewEncoder(pendingFile)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		return errors.Wrap(err, "encode manifest")
	}
	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return errors.Wrap(err, "replace manifest")
	}
	return nil
}

// readManifest loads the manifest. A missing or corrupt manifest yields an
// empty one; the directory scan is the source of truth.
func readManifest(path string) manifest {
	data, err := os.ReadFile(path)
	if err != nil {
		return manifest{}
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return manifest{}
	}
	return m
}
