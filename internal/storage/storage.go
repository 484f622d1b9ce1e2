// Package storage provides the artifact store used to stage sources and
// publish build outputs.
package storage

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

var ErrUnsupportedDevice = errors.New("unsupported storage device")

// Device is a storage backend addressed by paths relative to its root.
type Device interface {
	Path(relative string) string
	Exists(path string) bool
	FileSize(path string) (int64, error)
	Read(path string, offset, length int64) ([]byte, error)
	Write(path string, data []byte) error
	Delete(path string) error
	CreateDirectory(path string) error
	DeletePath(path string) error
	// Transfer copies path on this device to dst on the target device.
	Transfer(path, dst string, target Device) error
}

// NewDevice selects a device for a connection DSN. Only the local disk is
// available; an empty DSN or the "local" scheme selects it.
func NewDevice(root, dsn string) (Device, error) {
	if dsn == "" {
		return NewLocal(root), nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse storage dsn: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "", "local", "file":
		return NewLocal(root), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDevice, u.Scheme)
	}
}

type Local struct {
	root string
}

func NewLocal(root string) *Local {
	if root == "" {
		root = string(filepath.Separator)
	}
	return &Local{root: filepath.Clean(root)}
}

func (l *Local) Root() string {
	return l.root
}

func (l *Local) Path(relative string) string {
	return filepath.Join(l.root, relative)
}

func (l *Local) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (l *Local) FileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Read returns up to length bytes from offset; a negative length reads to EOF.
func (l *Local) Read(path string, offset, length int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, err
		}
	}
	var r io.Reader = f
	if length >= 0 {
		r = io.LimitReader(f, length)
	}
	return io.ReadAll(r)
}

func (l *Local) Write(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (l *Local) Delete(path string) error {
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (l *Local) CreateDirectory(path string) error {
	return os.MkdirAll(path, 0o755)
}

func (l *Local) DeletePath(path string) error {
	return os.RemoveAll(path)
}

func (l *Local) Transfer(path, dst string, target Device) error {
	if _, ok := target.(*Local); !ok {
		data, err := l.Read(path, 0, -1)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		return target.Write(dst, data)
	}

	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(dst), err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	return out.Close()
}
