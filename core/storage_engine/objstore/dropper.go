// Package objstore removes the storage files of relations created or dropped
// by prepared transactions once their outcome is known.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sushant-115/gojo2pc/core/transaction"
	"github.com/sushant-115/gojo2pc/core/twophase"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrOutsideRoot is returned for object paths that leave the data directory.
var ErrOutsideRoot = errors.New("object path is outside the data directory")

// FileDropper unlinks object files under a data directory. Removals can be
// throttled so a large rollback does not stall foreground I/O.
type FileDropper struct {
	root    string
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewFileDropper returns a dropper rooted at root. removalsPerSec <= 0 disables throttling.
func NewFileDropper(root string, removalsPerSec float64, logger *zap.Logger) (*FileDropper, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", abs, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &FileDropper{root: abs, logger: logger.Named("objstore")}
	if removalsPerSec > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(removalsPerSec), 1)
	}
	return d, nil
}

func (d *FileDropper) Root() string { return d.root }

// Resolve maps an object path to a file under the data directory.
func (d *FileDropper) Resolve(path string) (string, error) {
	full := filepath.Join(d.root, filepath.FromSlash(path))
	rel, err := filepath.Rel(d.root, full)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%q: %w", path, ErrOutsideRoot)
	}
	return full, nil
}

// DropObjects removes each object file. Files that are already gone are
// skipped, so a replay after a crash can call it again.
func (d *FileDropper) DropObjects(xid transaction.TxnID, objects []twophase.ResourceObject, isCommit bool, dependentWork int) error {
	if dependentWork > 0 {
		d.logger.Warn("Dropping objects while dependent work is outstanding",
			zap.Uint64("xid", uint64(xid)), zap.Int("dependentWork", dependentWork))
	}
	var errs []error
	removed := 0
	for _, o := range objects {
		if !o.Matches(isCommit) {
			continue
		}
		full, err := d.Resolve(o.Path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if d.limiter != nil {
			if err := d.limiter.Wait(context.Background()); err != nil {
				errs = append(errs, fmt.Errorf("rate limiter error: %w", err))
				continue
			}
		}
		if err := os.Remove(full); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			errs = append(errs, fmt.Errorf("failed to remove %s: %w", full, err))
			continue
		}
		removed++
	}
	if removed > 0 {
		d.logger.Info("Dropped storage objects",
			zap.Uint64("xid", uint64(xid)),
			zap.Bool("commit", isCommit),
			zap.Int("removed", removed))
	}
	return errors.Join(errs...)
}
