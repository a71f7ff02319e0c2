package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/iago/inbox-triage-back/internal/domain"
)

const (
	processedFileName = "processed_emails.json"
	statusFileName    = "batch_status.json"
)

// FileRepository stores both records as JSON documents in one directory.
// Writes go to a temp file in the same directory and are renamed into
// place, so readers see either the old or the new snapshot.
type FileRepository struct {
	dir string
	mu  sync.Mutex
}

func NewFileRepository(dir string) (*FileRepository, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FileRepository{dir: dir}, nil
}

func (r *FileRepository) LoadProcessed(_ context.Context) ([]domain.ProcessedEmail, error) {
	var emails []domain.ProcessedEmail
	found, err := r.readJSON(processedFileName, &emails)
	if err != nil {
		return nil, err
	}
	if !found {
		return []domain.ProcessedEmail{}, nil
	}
	return cloneEmails(emails), nil
}

func (r *FileRepository) SaveProcessed(_ context.Context, emails []domain.ProcessedEmail) error {
	return r.writeJSON(processedFileName, cloneEmails(emails))
}

func (r *FileRepository) GetProcessed(ctx context.Context, id string) (domain.ProcessedEmail, error) {
	emails, err := r.LoadProcessed(ctx)
	if err != nil {
		return domain.ProcessedEmail{}, err
	}
	return findEmail(emails, id)
}

func (r *FileRepository) LoadStatus(_ context.Context) (domain.RefreshStatus, error) {
	var status domain.RefreshStatus
	found, err := r.readJSON(statusFileName, &status)
	if err != nil {
		return domain.RefreshStatus{}, err
	}
	if !found {
		return domain.IdleStatus(), nil
	}
	return normalizeStatus(status), nil
}

func (r *FileRepository) SaveStatus(_ context.Context, status domain.RefreshStatus) error {
	return r.writeJSON(statusFileName, normalizeStatus(status))
}

func (r *FileRepository) readJSON(name string, out any) (bool, error) {
	data, err := os.ReadFile(filepath.Join(r.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", name, err)
	}
	return true, nil
}

func (r *FileRepository) writeJSON(name string, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(r.dir, "."+name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", name, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, filepath.Join(r.dir, name)); err != nil {
		cleanup()
		return fmt.Errorf("replace %s: %w", name, err)
	}
	return nil
}
