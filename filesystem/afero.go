package filesystem

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path"
	"time"

	"github.com/spf13/afero"
)

var _ FS = (*AferoFS)(nil)

// listChunk is how many directory entries are pulled from the store at once.
const listChunk = 64

// AferoFS serves an afero.Fs read-only.
type AferoFS struct {
	Classifier
	fs afero.Fs
}

// NewAferoFS wraps fsys; every write through the returned store fails.
func NewAferoFS(fsys afero.Fs) *AferoFS {
	return &AferoFS{fs: afero.NewReadOnlyFs(fsys)}
}

// NewLocalFS serves the local directory localDir as "/".
func NewLocalFS(localDir string) *AferoFS {
	return NewAferoFS(afero.NewBasePathFs(afero.NewOsFs(), localDir))
}

// Resolve returns the metadata of absPath.
func (a *AferoFS) Resolve(absPath string) (Entry, error) {
	absPath = cleanPath(absPath)
	info, err := a.fs.Stat(absPath)
	if err != nil {
		return Entry{}, fmt.Errorf("error resolving %s: %w", absPath, err)
	}
	name := path.Base(absPath)
	if absPath == "/" {
		name = "/"
	}
	return a.Entry(name, info), nil
}

// ResolveIn returns the metadata of name inside dir.
func (a *AferoFS) ResolveIn(dir, name string) (Entry, error) {
	return a.Resolve(path.Join(cleanPath(dir), name))
}

// ListDir yields the directory entries of absPath.
func (a *AferoFS) ListDir(absPath string) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		absPath = cleanPath(absPath)
		f, err := a.fs.Open(absPath)
		if err != nil {
			yield(Entry{}, fmt.Errorf("error opening directory %s: %w", absPath, err))
			return
		}
		defer f.Close()
		for {
			infos, err := f.Readdir(listChunk)
			for _, info := range infos {
				if !yield(a.Entry("", info), nil) {
					return
				}
			}
			if errors.Is(err, io.EOF) || (err == nil && len(infos) == 0) {
				return
			}
			if err != nil {
				yield(Entry{}, fmt.Errorf("error reading directory %s: %w", absPath, err))
				return
			}
		}
	}
}

// Read returns up to length bytes of absPath starting at offset.
func (a *AferoFS) Read(absPath string, offset, length int64) ([]byte, error) {
	absPath = cleanPath(absPath)
	f, err := a.fs.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("error opening file %s: %w", absPath, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("error getting file info: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("error reading %s: %w", absPath, ErrIsDir)
	}
	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("error reading file %s: %w", absPath, err)
	}
	return buf[:n], nil
}

// NewDeviceTreeFS returns an in-memory tree shaped like a small one-wire bus:
// two devices with text properties, a raw memory image, pages and a write-only
// conversion trigger.
func NewDeviceTreeFS() *AferoFS {
	mem := afero.NewMemMapFs()
	stamp := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	put := func(name, data string, perm os.FileMode) {
		_ = mem.MkdirAll(path.Dir(name), 0o755)
		_ = afero.WriteFile(mem, name, []byte(data), perm)
		_ = mem.Chtimes(name, stamp, stamp)
	}
	for _, dev := range []struct{ id, family, temp string }{
		{"10.67C6697351FF", "10", "21.5"},
		{"28.A1B2C3D40506", "28", "19.0625"},
	} {
		put("/"+dev.id+"/family", dev.family+"\n", 0o444)
		put("/"+dev.id+"/id", dev.id[3:]+"\n", 0o444)
		put("/"+dev.id+"/temperature", dev.temp+"\n", 0o444)
		put("/"+dev.id+"/memory", string(make([]byte, 32)), 0o444)
		put("/"+dev.id+"/pages/page.0", string(make([]byte, 8)), 0o444)
		put("/"+dev.id+"/pages/page.1", string(make([]byte, 8)), 0o444)
	}
	put("/simultaneous/temperature", "", 0o222)
	put("/settings/units/temperature_scale", "C\n", 0o444)
	put("/system/process/pid", fmt.Sprintf("%d\n", os.Getpid()), 0o444)
	return NewAferoFS(mem)
}
