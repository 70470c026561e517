package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"fitbridge/pkg/logging"
)

// DefaultCredentialPath is the default per-user credential file location,
// relative to the user's home directory.
const DefaultCredentialPath = ".config/fitbridge/credentials.json"

const backupSuffix = ".bak"

// ErrCredentialCorrupt indicates the on-disk credential file could not be
// parsed. The store recovers by treating the file as empty; the error is
// only surfaced through logs, never returned from Load.
var ErrCredentialCorrupt = errors.New("credential file corrupt")

// Store provides durable, file-backed storage for the credential file.
//
// SECURITY: This store handles OAuth credentials at rest. The credential
// file is written with 0600 permissions and its directory with 0700, and
// token values are never logged.
type Store struct {
	path string
}

// NewStore creates a store backed by the given file path. An empty path
// selects the default per-user location. The parent directory is created
// up front so the first Save cannot fail on a missing directory.
func NewStore(path string) (*Store, error) {
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, DefaultCredentialPath)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create credential directory: %w", err)
	}

	return &Store{path: path}, nil
}

// Path returns the credential file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the credential file from disk.
//
// A missing file is not an error: Load returns an empty-but-valid structure.
// A malformed file is treated as corrupt; the store logs the condition and
// proceeds as if empty, because a local, recoverable credential cache must
// never take down the whole process.
func (s *Store) Load() *CredentialFile {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logging.Warn("CredStore", "Failed to read credential file %s, treating as empty: %v", s.path, err)
		}
		return NewCredentialFile()
	}

	var file CredentialFile
	if err := json.Unmarshal(data, &file); err != nil {
		logging.Warn("CredStore", "Credential file %s is corrupt, treating as empty: %v", s.path, errors.Join(ErrCredentialCorrupt, err))
		return NewCredentialFile()
	}

	if file.Providers == nil {
		file.Providers = make(map[string]*TokenRecord)
	}
	return &file
}

// Save writes the credential file atomically: the content goes to a
// temporary file in the same directory which is then renamed over the
// target, so a crash mid-write cannot leave a truncated file behind.
func (s *Store) Save(file *CredentialFile) error {
	if file == nil {
		file = NewCredentialFile()
	}
	if file.Providers == nil {
		file.Providers = make(map[string]*TokenRecord)
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".credentials-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary credential file: %w", err)
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if err := tmp.Chmod(0600); err != nil {
		cleanup()
		return fmt.Errorf("failed to restrict credential file permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close credential file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace credential file: %w", err)
	}

	// SECURITY AUDIT: credential write without token values.
	logging.Debug("CredStore", "Credential file saved (platform=%t providers=%d registered=%t)",
		file.Platform != nil, len(file.Providers), file.Registration != nil)

	return nil
}

// Backup copies the current credential file aside and returns the backup
// path. Backing up a missing file is a no-op that still returns the path a
// later Restore will look for.
func (s *Store) Backup() (string, error) {
	backupPath := s.path + backupSuffix

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			os.Remove(backupPath)
			return backupPath, nil
		}
		return "", fmt.Errorf("failed to read credential file for backup: %w", err)
	}

	if err := os.WriteFile(backupPath, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write credential backup: %w", err)
	}
	return backupPath, nil
}

// Restore replaces the credential file with the most recent Backup. If no
// backup exists the credential file is removed, matching the pre-backup
// state of a store that had never been written.
func (s *Store) Restore() error {
	backupPath := s.path + backupSuffix

	data, err := os.ReadFile(backupPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				return fmt.Errorf("failed to remove credential file during restore: %w", rmErr)
			}
			return nil
		}
		return fmt.Errorf("failed to read credential backup: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("failed to restore credential file: %w", err)
	}
	return nil
}
