package objstore

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/stratadb/strata/pkg/errs"
)

// Local is a filesystem-backed object store. Keys are relative paths
// under the base directory; List walks the directory tree recursively.
// It is used by tests, single-node deployments, and the warm tier.
type Local struct {
	baseDir string
}

// NewLocal creates a local object store rooted at baseDir, creating the
// directory if needed.
func NewLocal(baseDir string) (*Local, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.PermanentStorage, "objstore.local.new", err)
	}
	return &Local{baseDir: baseDir}, nil
}

func (l *Local) fullPath(key string) string {
	return filepath.Join(l.baseDir, filepath.FromSlash(key))
}

func (l *Local) keyFor(path string) (string, bool) {
	rel, err := filepath.Rel(l.baseDir, path)
	if err != nil {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func classifyLocal(op string, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return errs.Ef(errs.NotFound, op, "object %q not found", key)
	}
	if errors.Is(err, fs.ErrPermission) {
		return errs.Wrap(errs.PermanentStorage, op, err)
	}
	return errs.Wrap(errs.TransientStorage, op, err)
}

// Put implements Store.
func (l *Local) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.Cancelled, "objstore.local.put", err)
	}
	if key == "" {
		return errs.E(errs.Validation, "objstore.local.put", "key cannot be empty")
	}

	path := l.fullPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return classifyLocal("objstore.local.put", key, err)
	}

	// Write to a temp file and rename so readers never observe a
	// partially written object.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return classifyLocal("objstore.local.put", key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return classifyLocal("objstore.local.put", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return classifyLocal("objstore.local.put", key, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return classifyLocal("objstore.local.put", key, err)
	}
	return nil
}

// Get implements Store.
func (l *Local) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.Cancelled, "objstore.local.get", err)
	}
	data, err := os.ReadFile(l.fullPath(key))
	if err != nil {
		return nil, classifyLocal("objstore.local.get", key, err)
	}
	return data, nil
}

// Head implements Store.
func (l *Local) Head(ctx context.Context, key string) (Metadata, error) {
	if err := ctx.Err(); err != nil {
		return Metadata{}, errs.Wrap(errs.Cancelled, "objstore.local.head", err)
	}
	info, err := os.Stat(l.fullPath(key))
	if err != nil {
		return Metadata{}, classifyLocal("objstore.local.head", key, err)
	}
	return Metadata{
		Key:          key,
		Size:         info.Size(),
		LastModified: info.ModTime(),
	}, nil
}

// List implements Store. The prefix is interpreted as a path prefix, so
// "wal/abc" matches both "wal/abc/0.log" and "wal/abcd.log".
func (l *Local) List(ctx context.Context, prefix string) ([]Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.Cancelled, "objstore.local.list", err)
	}

	var results []Metadata
	err := filepath.WalkDir(l.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		key, ok := l.keyFor(path)
		if !ok || !strings.HasPrefix(key, prefix) {
			return nil
		}
		if strings.HasPrefix(filepath.Base(path), ".put-") {
			return nil // in-flight temp file
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		results = append(results, Metadata{
			Key:          key,
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, classifyLocal("objstore.local.list", prefix, err)
	}
	return results, nil
}

// Delete implements Store. Deleting a missing object succeeds.
func (l *Local) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.Cancelled, "objstore.local.delete", err)
	}
	err := os.Remove(l.fullPath(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return classifyLocal("objstore.local.delete", key, err)
	}
	return nil
}

// Copy implements Store.
func (l *Local) Copy(ctx context.Context, from, to string) error {
	data, err := l.Get(ctx, from)
	if err != nil {
		return err
	}
	return l.Put(ctx, to, data)
}

// PutMultipart implements Store by concatenating the parts.
func (l *Local) PutMultipart(ctx context.Context, key string, parts [][]byte) error {
	var buf bytes.Buffer
	for _, p := range parts {
		buf.Write(p)
	}
	return l.Put(ctx, key, buf.Bytes())
}
