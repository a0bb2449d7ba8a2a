package ftp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"path"
	"strings"
	"time"

	"github.com/telebroad/owftpd/filesystem"
)

func (s *session) handleLIST(arg Arg) error {
	return s.list(arg.(OptionalStringArg), true)
}

func (s *session) handleNLST(arg Arg) error {
	return s.list(arg.(OptionalStringArg), false)
}

// list sends a directory listing. An empty argument lists the current
// directory, a wildcard filters it and a plain path names a directory or a
// single item.
func (s *session) list(arg OptionalStringArg, long bool) error {
	kind := NLST
	if long {
		kind = LIST
	}
	spec := stripListFlags(arg.Value)

	var (
		dir     = s.cwd
		entries iter.Seq2[filesystem.Entry, error]
	)
	switch {
	case spec == "":
		entries = s.server.FS.ListDir(dir)
	case hasWildcard(spec):
		if strings.Contains(spec, "/") {
			return s.reply(StatusFileUnavailable, "Illegal filename passed.")
		}
		entries = matching(s.server.FS.ListDir(dir), spec)
	default:
		dir = s.absPath(spec)
		e, err := s.server.FS.Resolve(dir)
		if err != nil {
			return s.replyStoreError(dir, err)
		}
		if e.IsDir {
			entries = s.server.FS.ListDir(dir)
		} else {
			e.Name = spec
			entries = single(e)
		}
	}

	now := time.Now()
	opening := fmt.Sprintf("Opening ASCII mode data connection for file list of %s.", dir)
	return s.transfer(strings.ToLower(kind), dir, opening, func(w io.Writer) error {
		bw := bufio.NewWriter(w)
		for e, err := range entries {
			if s.ctx.Err() != nil {
				return context.Cause(s.ctx)
			}
			if err != nil {
				return storeError{err: err}
			}
			line := e.Name + "\r\n"
			if long {
				line = formatLong(e, now)
			}
			if _, err := bw.WriteString(line); err != nil {
				return err
			}
		}
		return bw.Flush()
	})
}

// stripListFlags drops leading ls style options such as "-la".
func stripListFlags(spec string) string {
	spec = strings.TrimSpace(spec)
	for strings.HasPrefix(spec, "-") {
		_, rest, _ := strings.Cut(spec, " ")
		spec = strings.TrimSpace(rest)
	}
	return spec
}

func matching(entries iter.Seq2[filesystem.Entry, error], pattern string) iter.Seq2[filesystem.Entry, error] {
	return func(yield func(filesystem.Entry, error) bool) {
		for e, err := range entries {
			if err != nil {
				yield(e, err)
				return
			}
			if ok, _ := path.Match(pattern, e.Name); !ok {
				continue
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

func single(e filesystem.Entry) iter.Seq2[filesystem.Entry, error] {
	return func(yield func(filesystem.Entry, error) bool) {
		yield(e, nil)
	}
}

// entryMode is the permission string shown for e in long listings.
func entryMode(e filesystem.Entry) fs.FileMode {
	switch {
	case e.IsDir:
		return fs.ModeDir | 0o555
	case e.IsWriteOnly:
		return 0o222
	}
	return 0o444
}

// formatLong renders one "ls -l" line. Entries older than six months or in the
// future show the year instead of the time of day.
func formatLong(e filesystem.Entry, now time.Time) string {
	mt := e.ModTime
	if mt.IsZero() {
		mt = now
	}
	mt = mt.UTC()
	stamp := mt.Format("Jan _2 15:04")
	if mt.Before(now.AddDate(0, -6, 0)) || mt.After(now.Add(time.Hour)) {
		stamp = mt.Format("Jan _2  2006")
	}
	return fmt.Sprintf("%s 1 owfs owfs %12d %s %s\r\n", entryMode(e), e.Size, stamp, e.Name)
}
