package storage

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

const (
	FileMode0644 = 0o644 // rw-r--r--
	FileMode0755 = 0o755 // rwxr-xr-x

	spillPrefix = "knime_container_"
	spillSuffix = ".bin"
)

// FileSet is a directory on some filesystem that holds spill files.
// Tests use an in-memory filesystem, production code the OS one.
type FileSet struct {
	FS  afero.Fs
	Dir string
}

func NewOsFileSet(dir string) FileSet {
	return FileSet{FS: afero.NewOsFs(), Dir: dir}
}

func NewMemFileSet(dir string) FileSet {
	return FileSet{FS: afero.NewMemMapFs(), Dir: dir}
}

func (fs FileSet) Path(name string) string {
	return filepath.Join(fs.Dir, name)
}

// NewSpillName returns a file name that is unique across processes sharing Dir.
func (fs FileSet) NewSpillName() string {
	return spillPrefix + uuid.NewString() + spillSuffix
}

func (fs FileSet) create(name string) (afero.File, error) {
	if err := fs.FS.MkdirAll(fs.Dir, FileMode0755); err != nil {
		return nil, &IOError{Op: "mkdir", Path: fs.Dir, Err: err}
	}
	path := fs.Path(name)
	f, err := fs.FS.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, FileMode0644)
	if err != nil {
		return nil, &IOError{Op: "create", Path: path, Err: err}
	}
	return f, nil
}

func (fs FileSet) open(name string) (afero.File, error) {
	path := fs.Path(name)
	f, err := fs.FS.Open(path)
	if err != nil {
		return nil, &IOError{Op: "open", Path: path, Err: err}
	}
	return f, nil
}

// Remove deletes name; a file that is already gone is not an error.
func (fs FileSet) Remove(name string) error {
	path := fs.Path(name)
	if err := fs.FS.Remove(path); err != nil && !os.IsNotExist(err) {
		return &IOError{Op: "remove", Path: path, Err: err}
	}
	return nil
}

func (fs FileSet) Exists(name string) (bool, error) {
	ok, err := afero.Exists(fs.FS, fs.Path(name))
	if err != nil {
		return false, &IOError{Op: "stat", Path: fs.Path(name), Err: err}
	}
	return ok, nil
}
