// Package state persists tracked order snapshots so a restarted connector
// resumes reconciliation where it stopped.
package state

import (
	"context"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"

	"tradeconn/internal/order"
)

// FileSink keeps the latest snapshot in one JSON file.
type FileSink struct {
	path string
}

func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

// Save writes through a temporary file so a crash never leaves a torn snapshot.
func (s *FileSink) Save(_ context.Context, snap order.Snapshot) error {
	data, err := sonic.ConfigStd.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "create snapshot dir").With("dir", dir)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "write snapshot").With("path", tmp)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrap(err, "replace snapshot").With("path", s.path)
	}
	return nil
}

func (s *FileSink) Load(_ context.Context) (order.Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return order.Snapshot{}, nil
	}
	if err != nil {
		return order.Snapshot{}, errors.Wrap(err, "read snapshot").With("path", s.path)
	}
	var snap order.Snapshot
	if err := sonic.ConfigStd.Unmarshal(data, &snap); err != nil {
		return order.Snapshot{}, errors.Wrap(err, "unmarshal snapshot").With("path", s.path)
	}
	return snap, nil
}
