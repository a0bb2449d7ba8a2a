package ftp

import (
	"errors"
	"fmt"
	"iter"
	"path"
	"strings"

	"github.com/telebroad/owftpd/filesystem"
)

var (
	ErrNotDirectory    = errors.New("not a directory")
	ErrNoSuchDirectory = errors.New("no such file or directory")
	ErrTooManyQueries  = errors.New("too many lookups")
)

// Resolver turns a CWD argument into the directories it names.
// Wildcard segments (*, ? and [...]) fan out over directory listings.
type Resolver struct {
	FS filesystem.FS
	// MaxQueries bounds backing store calls per resolution; 0 means MaxResolveQueries.
	MaxQueries int
}

type cdStep int

const (
	cdInit cdStep = iota
	cdInit2
	cdBacktrack
	cdNext
	cdTame
	cdLast
)

// cdState is the working state of one resolution.
type cdState struct {
	fs      filesystem.FS
	budget  int
	stopped bool
	yield   func(string, error) bool
}

func hasWildcard(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

// query spends one backing store call from the budget.
func (st *cdState) query() bool {
	if st.budget <= 0 {
		st.emit("", ErrTooManyQueries)
		st.stopped = true
		return false
	}
	st.budget--
	return true
}

func (st *cdState) emit(dir string, err error) {
	if st.stopped {
		return
	}
	if !st.yield(dir, err) {
		st.stopped = true
	}
}

// Candidates yields every directory userPath names relative to cwd, in backing
// store order. Failures are yielded with an empty path; ErrTooManyQueries ends
// the sequence.
func (r *Resolver) Candidates(cwd, userPath string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		budget := r.MaxQueries
		if budget <= 0 {
			budget = MaxResolveQueries
		}
		st := &cdState{fs: r.FS, budget: budget, yield: yield}
		st.run(cwd, userPath)
	}
}

func (st *cdState) run(cwd, userPath string) {
	work := cwd
	step := cdInit
	var segments []string
	for !st.stopped {
		switch step {
		case cdInit:
			if strings.HasPrefix(userPath, "/") {
				work = "/"
			}
			step = cdInit2
		case cdInit2:
			segments = splitSegments(userPath)
			slow := false
			for _, s := range segments {
				if s == ".." || hasWildcard(s) {
					slow = true
				}
			}
			if !slow {
				work = path.Join(work, strings.Join(segments, "/"))
				step = cdLast
				continue
			}
			st.walk(work, segments)
			return
		case cdLast:
			st.last(work)
			return
		}
	}
}

// walk consumes segments one at a time from the working path.
func (st *cdState) walk(work string, segments []string) {
	if st.stopped {
		return
	}
	if len(segments) == 0 {
		st.last(work)
		return
	}
	seg, rest := segments[0], segments[1:]
	step := cdNext
	switch {
	case seg == "..":
		step = cdBacktrack
	case len(rest) == 0 && !hasWildcard(seg):
		step = cdTame
	}

	switch step {
	case cdBacktrack:
		st.walk(path.Dir(work), rest)
	case cdTame:
		if !st.query() {
			return
		}
		e, err := st.fs.ResolveIn(work, seg)
		st.solution(path.Join(work, seg), e, err)
	case cdNext:
		if !hasWildcard(seg) {
			st.walk(path.Join(work, seg), rest)
			return
		}
		if !st.query() {
			return
		}
		for e, err := range st.fs.ListDir(work) {
			if err != nil {
				st.emit("", fmt.Errorf("%s: %w", work, err))
				return
			}
			if !e.IsDir {
				continue
			}
			if ok, _ := path.Match(seg, e.Name); !ok {
				continue
			}
			if len(rest) == 0 {
				// listing already proved it is a directory
				st.emit(path.Join(work, e.Name), nil)
			} else {
				st.walk(path.Join(work, e.Name), rest)
			}
			if st.stopped {
				return
			}
		}
	}
}

// last resolves the fully built working path in one query.
func (st *cdState) last(work string) {
	if work == "/" {
		st.emit("/", nil)
		return
	}
	if !st.query() {
		return
	}
	e, err := st.fs.Resolve(work)
	st.solution(work, e, err)
}

func (st *cdState) solution(dir string, e filesystem.Entry, err error) {
	switch {
	case errors.Is(err, filesystem.ErrNotExist):
		st.emit("", fmt.Errorf("%s: %w", dir, ErrNoSuchDirectory))
	case err != nil:
		st.emit("", fmt.Errorf("%s: %w", dir, err))
	case !e.IsDir:
		st.emit("", fmt.Errorf("%s: %w", dir, ErrNotDirectory))
	default:
		st.emit(dir, nil)
	}
}

// splitSegments drops empty and "." segments.
func splitSegments(p string) []string {
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s != "" && s != "." {
			out = append(out, s)
		}
	}
	return out
}

// Resolve returns the first directory userPath names and how many it names.
// When none match it returns the last failure seen.
func (r *Resolver) Resolve(cwd, userPath string) (string, int, error) {
	var (
		first   string
		count   int
		lastErr error
	)
	for dir, err := range r.Candidates(cwd, userPath) {
		if err != nil {
			lastErr = err
			continue
		}
		if count == 0 {
			first = dir
		}
		count++
	}
	if count == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("%s: %w", userPath, ErrNoSuchDirectory)
		}
		return "", 0, lastErr
	}
	return first, count, nil
}
