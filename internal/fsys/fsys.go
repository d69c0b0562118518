// Package fsys is the narrow filesystem surface the channel needs. The privileged
// side uses the host filesystem directly; the sandboxed side passes an *os.Root so
// that every path is resolved inside the one directory it was granted.
package fsys

import (
	"os"
)

type FS interface {
	OpenFile(name string, flag int, perm os.FileMode) (*os.File, error)
	ReadFile(name string) ([]byte, error)
	Rename(oldname, newname string) error
	Remove(name string) error
	Stat(name string) (os.FileInfo, error)
}

var (
	_ FS = (*os.Root)(nil)
	_ FS = osFS{}
)

// OS returns an FS backed by the host filesystem with no confinement.
func OS() FS { return osFS{} }

type osFS struct{}

func (osFS) OpenFile(name string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(name, flag, perm)
}
func (osFS) ReadFile(name string) ([]byte, error)  { return os.ReadFile(name) }
func (osFS) Rename(oldname, newname string) error  { return os.Rename(oldname, newname) }
func (osFS) Remove(name string) error              { return os.Remove(name) }
func (osFS) Stat(name string) (os.FileInfo, error) { return os.Stat(name) }
