// Package blobstore keeps invoice files in three zones per carrier:
// <root>/<carrier>/pending, <root>/<carrier>/imported and <root>/<carrier>/failed.
package blobstore

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

type Zone string

const (
	ZonePending  Zone = "pending"
	ZoneImported Zone = "imported"
	ZoneFailed   Zone = "failed"
)

var (
	ErrNotFound    = errors.New("blob not found")
	ErrInvalidName = errors.New("invalid blob name")
	ErrInvalidMove = errors.New("invalid zone transition")
)

type Dir struct {
	root string
}

func New(root string) *Dir {
	return &Dir{root: root}
}

func (d *Dir) path(carrierCode string, zone Zone, name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", errors.Wrap(ErrInvalidName, name)
	}
	if carrierCode == "" || carrierCode != filepath.Base(carrierCode) {
		return "", errors.Wrap(ErrInvalidName, carrierCode)
	}
	return filepath.Join(d.root, carrierCode, string(zone), name), nil
}

func exists(p string) (bool, error) {
	_, err := os.Stat(p)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.Wrap(err, "stat blob")
}

// Locate reports the zone currently holding the blob, checking pending first.
func (d *Dir) Locate(carrierCode, name string) (Zone, error) {
	for _, z := range []Zone{ZonePending, ZoneImported, ZoneFailed} {
		p, err := d.path(carrierCode, z, name)
		if err != nil {
			return "", err
		}
		ok, err := exists(p)
		if err != nil {
			return "", err
		}
		if ok {
			return z, nil
		}
	}
	return "", ErrNotFound
}

func (d *Dir) Open(carrierCode string, zone Zone, name string) (io.ReadCloser, error) {
	p, err := d.path(carrierCode, zone, name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "open blob")
	}
	return f, nil
}

// Put writes a blob into the pending zone via a temp file and rename.
func (d *Dir) Put(carrierCode, name string, r io.Reader) error {
	p, err := d.path(carrierCode, ZonePending, name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return errors.Wrap(err, "mkdir pending")
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return errors.Wrap(err, "create temp blob")
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "write blob")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close blob")
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return errors.Wrap(err, "rename blob")
	}
	return nil
}

// Move transfers a blob between zones. It is idempotent: when the source is gone and the
// target already holds the blob, the move counts as done. Nothing moves back to pending.
func (d *Dir) Move(carrierCode, name string, from, to Zone) error {
	if to == ZonePending || from == to {
		return errors.Wrapf(ErrInvalidMove, "%s -> %s", from, to)
	}
	src, err := d.path(carrierCode, from, name)
	if err != nil {
		return err
	}
	dst, err := d.path(carrierCode, to, name)
	if err != nil {
		return err
	}

	srcOK, err := exists(src)
	if err != nil {
		return err
	}
	if !srcOK {
		dstOK, err := exists(dst)
		if err != nil {
			return err
		}
		if dstOK {
			return nil
		}
		return ErrNotFound
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrap(err, "mkdir target zone")
	}
	if err := os.Rename(src, dst); err != nil {
		return errors.Wrap(err, "move blob")
	}
	return nil
}
