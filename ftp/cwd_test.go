package ftp

import (
	"iter"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telebroad/owftpd/filesystem"
)

// countingFS counts backing store calls.
type countingFS struct {
	filesystem.FS
	calls int
}

func (c *countingFS) Resolve(p string) (filesystem.Entry, error) {
	c.calls++
	return c.FS.Resolve(p)
}

func (c *countingFS) ResolveIn(dir, name string) (filesystem.Entry, error) {
	c.calls++
	return c.FS.ResolveIn(dir, name)
}

func (c *countingFS) ListDir(p string) iter.Seq2[filesystem.Entry, error] {
	c.calls++
	return c.FS.ListDir(p)
}

func testTree(t *testing.T) filesystem.FS {
	t.Helper()
	mem := afero.NewMemMapFs()
	for _, d := range []string{
		"/10.67C6697351FF/pages",
		"/10.A1B2C3D4E5F6/pages",
		"/28.000000000001",
		"/settings/units",
		"/uncached/10.67C6697351FF",
	} {
		require.NoError(t, mem.MkdirAll(d, 0o755))
	}
	for _, f := range []string{
		"/10.67C6697351FF/temperature",
		"/10.67C6697351FF/pages/page.0",
		"/28.000000000001/temperature",
		"/10.file",
	} {
		require.NoError(t, afero.WriteFile(mem, f, []byte("1\n"), 0o444))
	}
	return filesystem.NewAferoFS(mem)
}

func Test_ResolverResolve(t *testing.T) {
	r := &Resolver{FS: testTree(t)}

	tests := []struct {
		name  string
		cwd   string
		path  string
		want  string
		count int
		err   error
	}{
		{"Absolute", "/", "/10.67C6697351FF", "/10.67C6697351FF", 1, nil},
		{"Relative", "/10.67C6697351FF", "pages", "/10.67C6697351FF/pages", 1, nil},
		{"Dot", "/settings", ".", "/settings", 1, nil},
		{"TrailingSlash", "/", "settings/units/", "/settings/units", 1, nil},
		{"Root", "/settings/units", "/", "/", 1, nil},
		{"Parent", "/settings/units", "..", "/settings", 1, nil},
		{"ParentOfRoot", "/", "..", "/", 1, nil},
		{"ParentThenChild", "/settings/units", "../../28.000000000001", "/28.000000000001", 1, nil},
		{"Star", "/", "28.*", "/28.000000000001", 1, nil},
		{"StarCount", "/", "10.*", "/10.67C6697351FF", 2, nil},
		{"StarInMiddle", "/", "/10.*/pages", "/10.67C6697351FF/pages", 2, nil},
		{"Question", "/", "28.00000000000?", "/28.000000000001", 1, nil},
		{"Bracket", "/", "[s]ettings", "/settings", 1, nil},
		{"StarDoesNotCrossSlash", "/", "*/10.67C6697351FF", "/uncached/10.67C6697351FF", 1, nil},
		{"Missing", "/", "nope", "", 0, ErrNoSuchDirectory},
		{"NotDirectory", "/10.67C6697351FF", "temperature", "", 0, ErrNotDirectory},
		{"NotDirectoryAbsolute", "/", "/10.67C6697351FF/temperature", "", 0, ErrNotDirectory},
		{"NoWildcardMatch", "/", "99.*", "", 0, ErrNoSuchDirectory},
		{"WildcardUnderMissing", "/", "nope/*", "", 0, filesystem.ErrNotExist},
		{"BacktrackToMissing", "/settings", "../nope", "", 0, ErrNoSuchDirectory},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, count, err := r.Resolve(tt.cwd, tt.path)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.count, count)
		})
	}
}

func Test_ResolverFastPathUsesOneQuery(t *testing.T) {
	fsys := &countingFS{FS: testTree(t)}
	r := &Resolver{FS: fsys}
	_, _, err := r.Resolve("/", "/10.67C6697351FF/pages")
	require.NoError(t, err)
	assert.Equal(t, 1, fsys.calls)
}

func Test_ResolverQueryCap(t *testing.T) {
	fsys := &countingFS{FS: testTree(t)}
	r := &Resolver{FS: fsys, MaxQueries: 2}
	_, _, err := r.Resolve("/", "*/*/*")
	assert.ErrorIs(t, err, ErrTooManyQueries)
	assert.LessOrEqual(t, fsys.calls, 2)
}

func Test_ResolverCandidatesStopEarly(t *testing.T) {
	r := &Resolver{FS: testTree(t)}
	var got []string
	for dir, err := range r.Candidates("/", "10.*") {
		require.NoError(t, err)
		got = append(got, dir)
		break
	}
	assert.Len(t, got, 1)
}
