package filesystem

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telebroad/owftpd/filesystem/sftptest"
	"github.com/telebroad/owftpd/keys"
	"golang.org/x/crypto/ssh"
)

func collect(t *testing.T, fsys FS, dir string) map[string]Entry {
	t.Helper()
	out := map[string]Entry{}
	for e, err := range fsys.ListDir(dir) {
		require.NoError(t, err)
		out[e.Name] = e
	}
	return out
}

// exerciseStore runs the same checks against every backend.
func exerciseStore(t *testing.T, fsys FS) {
	t.Run("Resolve", func(t *testing.T) {
		root, err := fsys.Resolve("/")
		require.NoError(t, err)
		assert.True(t, root.IsDir)

		e, err := fsys.Resolve("/10.67C6697351FF/temperature")
		require.NoError(t, err)
		assert.False(t, e.IsDir)
		assert.False(t, e.IsBinary)
		assert.Equal(t, "temperature", e.Name)
		assert.EqualValues(t, 5, e.Size)

		_, err = fsys.Resolve("/nope")
		assert.ErrorIs(t, err, ErrNotExist)
	})

	t.Run("ResolveIn", func(t *testing.T) {
		e, err := fsys.ResolveIn("/10.67C6697351FF", "memory")
		require.NoError(t, err)
		assert.True(t, e.IsBinary)

		e, err = fsys.ResolveIn("/10.67C6697351FF", "pages")
		require.NoError(t, err)
		assert.True(t, e.IsDir)
	})

	t.Run("ListDir", func(t *testing.T) {
		entries := collect(t, fsys, "/10.67C6697351FF")
		assert.Len(t, entries, 6)
		assert.True(t, entries["pages"].IsDir)
		assert.True(t, entries["memory"].IsBinary)

		var err error
		for _, err = range fsys.ListDir("/missing") {
		}
		assert.Error(t, err)
	})

	t.Run("ListDirStopsEarly", func(t *testing.T) {
		n := 0
		for range fsys.ListDir("/10.67C6697351FF") {
			n++
			break
		}
		assert.Equal(t, 1, n)
	})

	t.Run("Read", func(t *testing.T) {
		b, err := fsys.Read("/10.67C6697351FF/temperature", 0, 1024)
		require.NoError(t, err)
		assert.Equal(t, "21.5\n", string(b))

		b, err = fsys.Read("/10.67C6697351FF/temperature", 3, 1024)
		require.NoError(t, err)
		assert.Equal(t, "5\n", string(b))

		b, err = fsys.Read("/10.67C6697351FF/temperature", 5, 1024)
		require.NoError(t, err)
		assert.Empty(t, b)

		_, err = fsys.Read("/10.67C6697351FF", 0, 10)
		assert.Error(t, err)
	})
}

func writeTree(t *testing.T, dir string) {
	t.Helper()
	put := func(name, data string, perm os.FileMode) {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(data), perm))
	}
	put("10.67C6697351FF/family", "10\n", 0o644)
	put("10.67C6697351FF/id", "67C6697351FF\n", 0o644)
	put("10.67C6697351FF/temperature", "21.5\n", 0o644)
	put("10.67C6697351FF/memory", string(make([]byte, 32)), 0o644)
	put("10.67C6697351FF/pages/page.0", "pagedata", 0o644)
	put("10.67C6697351FF/type", "DS18S20\n", 0o644)
}

func Test_DeviceTreeFS(t *testing.T) {
	fsys := NewDeviceTreeFS()

	e, err := fsys.Resolve("/simultaneous/temperature")
	require.NoError(t, err)
	assert.True(t, e.IsWriteOnly)

	e, err = fsys.Resolve("/10.67C6697351FF/pages/page.1")
	require.NoError(t, err)
	assert.True(t, e.IsBinary)
}

func Test_AferoFS(t *testing.T) {
	mem := afero.NewMemMapFs()
	tmp := t.TempDir()
	writeTree(t, tmp)
	// copy the on-disk fixture into the in-memory fs
	src := afero.NewBasePathFs(afero.NewOsFs(), tmp)
	require.NoError(t, afero.Walk(src, "/", func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return mem.MkdirAll(p, 0o755)
		}
		b, err := afero.ReadFile(src, p)
		if err != nil {
			return err
		}
		return afero.WriteFile(mem, p, b, info.Mode())
	}))

	t.Run("Mem", func(t *testing.T) { exerciseStore(t, NewAferoFS(mem)) })
	t.Run("Local", func(t *testing.T) { exerciseStore(t, NewLocalFS(tmp)) })
}

func Test_AferoFSReadOnly(t *testing.T) {
	mem := afero.NewMemMapFs()
	fsys := NewAferoFS(mem)
	_, err := fsys.fs.Create("/x")
	assert.Error(t, err)
}

func Test_Classifier(t *testing.T) {
	c := Classifier{BinaryPatterns: ParsePatterns(" *.img, raw ,,")}
	assert.Equal(t, []string{"*.img", "raw"}, c.BinaryPatterns)
	assert.True(t, c.isBinary("disk.img"))
	assert.True(t, c.isBinary("raw"))
	assert.False(t, c.isBinary("memory"))

	assert.True(t, Classifier{}.isBinary("memory"))
	assert.True(t, Classifier{}.isBinary("page.3"))
	assert.False(t, Classifier{}.isBinary("temperature"))
}

func Test_SFTPFS(t *testing.T) {
	srv, err := sftptest.NewServer("owfs", "secret", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	tmp := t.TempDir()
	writeTree(t, tmp)

	fsys, err := DialSFTP(SFTPConfig{
		Addr:            srv.Addr,
		Username:        "owfs",
		Password:        "secret",
		HostKeyCallback: keys.PinnedHostKey(ssh.FingerprintSHA256(srv.HostKey)),
		BaseDir:         filepath.ToSlash(tmp),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = fsys.Close() })

	exerciseStore(t, fsys)

	_, err = DialSFTP(SFTPConfig{Addr: srv.Addr, Username: "owfs", Password: "wrong", InsecureIgnoreHostKey: true})
	assert.Error(t, err)
}

func Test_DialSFTPHostKey(t *testing.T) {
	srv, err := sftptest.NewServer("owfs", "secret", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	t.Run("no callback", func(t *testing.T) {
		_, err := DialSFTP(SFTPConfig{Addr: srv.Addr, Username: "owfs", Password: "secret"})
		assert.ErrorIs(t, err, ErrNoHostKeyCheck)
	})

	t.Run("insecure is logged", func(t *testing.T) {
		var buf bytes.Buffer
		fsys, err := DialSFTP(SFTPConfig{
			Addr:                  srv.Addr,
			Username:              "owfs",
			Password:              "secret",
			InsecureIgnoreHostKey: true,
			Logger:                slog.New(slog.NewTextHandler(&buf, nil)),
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = fsys.Close() })
		assert.Contains(t, buf.String(), "SFTP host key is not verified")
	})

	t.Run("mismatch", func(t *testing.T) {
		_, err := DialSFTP(SFTPConfig{
			Addr:            srv.Addr,
			Username:        "owfs",
			Password:        "secret",
			HostKeyCallback: keys.PinnedHostKey("SHA256:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"),
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), keys.ErrHostKeyMismatch.Error())
	})
}
