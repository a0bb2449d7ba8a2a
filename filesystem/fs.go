package filesystem

import (
	"errors"
	"io/fs"
	"iter"
	"path"
	"strings"
	"time"
)

// ErrNotExist is returned by Resolve and ResolveIn when nothing lives at the path.
var ErrNotExist = fs.ErrNotExist

// ErrIsDir is returned by Read when the path names a directory.
var ErrIsDir = errors.New("is a directory")

// Entry describes one node of the served tree.
type Entry struct {
	Name string
	// IsDir is true for directories, which can be entered with CWD but never retrieved.
	IsDir bool
	// IsBinary marks items that may only be retrieved in image mode.
	IsBinary bool
	// IsWriteOnly marks items with no read permission.
	IsWriteOnly bool
	Size        int64
	ModTime     time.Time
}

// FS is the read-only backing store the FTP server serves.
// All paths are absolute, slash separated and already cleaned by the caller.
type FS interface {
	// Resolve returns the metadata of the node at absPath.
	Resolve(absPath string) (Entry, error)
	// ResolveIn returns the metadata of name inside the directory dir.
	ResolveIn(dir, name string) (Entry, error)
	// ListDir yields the entries of the directory absPath in store order.
	// A failure is yielded once as the final element.
	ListDir(absPath string) iter.Seq2[Entry, error]
	// Read returns at most length bytes of the item starting at offset.
	// A short or empty result means end of data.
	Read(absPath string, offset, length int64) ([]byte, error)
}

// DefaultBinaryPatterns name the device properties that hold raw memory images.
var DefaultBinaryPatterns = []string{"memory", "page.*", "*.bin"}

// Classifier turns a fs.FileInfo into an Entry.
type Classifier struct {
	// BinaryPatterns are path.Match patterns tested against the base name.
	BinaryPatterns []string
}

func (c Classifier) isBinary(name string) bool {
	patterns := c.BinaryPatterns
	if patterns == nil {
		patterns = DefaultBinaryPatterns
	}
	for _, p := range patterns {
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	return false
}

// Entry builds the Entry for info. name overrides info.Name() when not empty.
func (c Classifier) Entry(name string, info fs.FileInfo) Entry {
	if name == "" {
		name = info.Name()
	}
	e := Entry{
		Name:    name,
		IsDir:   info.IsDir(),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	if !e.IsDir {
		e.IsBinary = c.isBinary(name)
		e.IsWriteOnly = info.Mode().Perm()&0o444 == 0
	}
	return e
}

// ParsePatterns splits a comma separated pattern list, dropping blanks.
func ParsePatterns(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// cleanPath makes p absolute and canonical.
func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean("/" + p)
}
