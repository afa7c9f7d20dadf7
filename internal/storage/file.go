package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// FileStore keeps the setpoint list in a single JSON document on disk.
type FileStore struct {
	path   string
	logger *zap.Logger
	mu     sync.Mutex
}

func NewFileStore(path string, logger *zap.Logger) *FileStore {
	return &FileStore{path: path, logger: logger}
}

// LoadSetpoints never fails on a missing, empty or corrupt document; it
// falls back to DefaultSetpoints.
func (f *FileStore) LoadSetpoints(ctx context.Context) ([]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		f.logger.Info("No setpoint file, using defaults", zap.String("path", f.path))
		return DefaultSetpoints(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read setpoints: %w", err)
	}

	angles, err := ParseSetpoints(data)
	if err != nil {
		f.logger.Warn("Corrupt setpoint file, using defaults",
			zap.String("path", f.path),
			zap.Error(err))
		return DefaultSetpoints(), nil
	}
	if len(angles) == 0 {
		f.logger.Info("Setpoint file is empty, using defaults", zap.String("path", f.path))
		return DefaultSetpoints(), nil
	}
	return angles, nil
}

func (f *FileStore) SaveSetpoints(ctx context.Context, angles []float64) error {
	if angles == nil {
		angles = []float64{}
	}
	data, err := json.Marshal(angles)
	if err != nil {
		return fmt.Errorf("encode setpoints: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create setpoint dir: %w", err)
		}
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write setpoints: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace setpoints: %w", err)
	}

	f.logger.Debug("Setpoints saved", zap.String("path", f.path), zap.Int("count", len(angles)))
	return nil
}
