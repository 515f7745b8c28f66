// Package store keeps upload files in the daemon's working directory, which is
// also the directory served over HTTP. Each name can be held open by at most
// one session at a time.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cyberinferno/genie-upload/framing"
	"github.com/cyberinferno/genie-upload/safeset"
)

// ErrInvalidName is returned for names that are not a plain file name inside
// the store directory.
var ErrInvalidName = errors.New("invalid upload file name")

// Dir is a framing.Opener rooted at a single directory.
type Dir struct {
	root   string
	claims *safeset.SafeSet[string]
}

// NewDir returns a Dir rooted at root, creating the directory if needed.
//
// Parameters:
//   - root: Directory that receives upload files
//
// Returns:
//   - The Dir, or an error if root cannot be created
func NewDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create upload directory %s: %w", root, err)
	}

	return &Dir{
		root:   root,
		claims: safeset.NewSafeSet[string](),
	}, nil
}

// Root returns the directory files are written to.
func (d *Dir) Root() string {
	return d.root
}

// Open claims name and opens it for appending, creating it if it does not
// exist. The claim is released when the returned file is closed.
//
// Parameters:
//   - name: A bare file name such as record-2024-01-15-12-30-45.pcm
//
// Returns:
//   - The open file
//   - ErrInvalidName, framing.ErrBusy (both wrapped), or the open error
func (d *Dir) Open(name string) (framing.File, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	if !d.claims.TryAdd(name) {
		return nil, fmt.Errorf("%w: %s", framing.ErrBusy, name)
	}

	f, err := os.OpenFile(filepath.Join(d.root, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		d.claims.Remove(name)
		return nil, err
	}

	return &File{
		f:       f,
		release: func() { d.claims.Remove(name) },
	}, nil
}

// Held returns the number of files currently open.
func (d *Dir) Held() int {
	return d.claims.Size()
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	return nil
}

// File is an append-mode upload file holding an exclusive claim on its name.
type File struct {
	f       *os.File
	release func()
	once    sync.Once
	err     error
}

// Write implements io.Writer.
func (f *File) Write(p []byte) (int, error) {
	return f.f.Write(p)
}

// Close closes the file and releases the claim. Later calls return the result
// of the first.
func (f *File) Close() error {
	f.once.Do(func() {
		f.err = f.f.Close()
		f.release()
	})

	return f.err
}
