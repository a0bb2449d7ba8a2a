// http status handler: health, metrics and a read-only view of the served tree

package httphandler

import (
	_ "embed"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/telebroad/owftpd/filesystem"
	"github.com/telebroad/owftpd/tools"
)

const chunkSize = 32 * 1024

var (
	//go:embed directory.gohtml
	directoryTemplate string

	directoryTmpl = template.Must(template.New("directory.gohtml").Parse(directoryTemplate))
)

// StatusHandler serves /healthz, /metrics and /tree/ over the same backing
// store as the FTP server. It never modifies anything.
type StatusHandler struct {
	fsys     filesystem.FS
	gatherer prometheus.Gatherer
	sessions func() int
	mux      *http.ServeMux
	logger   *slog.Logger
}

func (s *StatusHandler) SetLogger(l *slog.Logger) {
	s.logger = l
}

func (s *StatusHandler) Logger() *slog.Logger {
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s.logger
}

// ServeHTTP implements http.Handler. Only GET and HEAD are served.
func (s *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	lw := tools.NewHttpResponseWriter(w)
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		s.mux.ServeHTTP(lw, r)
	case http.MethodOptions:
		w.Header().Set("Allow", "GET, HEAD")
		lw.WriteHeader(http.StatusOK)
	default:
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(lw, "Method not allowed", http.StatusMethodNotAllowed)
	}
	s.Logger().Debug("ServeHTTP", "method", r.Method, "url", r.URL.String(), "remote", r.RemoteAddr,
		"status", lw.Status, "bytes", lw.Bytes)
}

func (s *StatusHandler) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}{Status: "ok", Sessions: s.sessions()})
}

// tree renders a directory as HTML or streams an item as it would be sent by RETR in image mode.
func (s *StatusHandler) tree(w http.ResponseWriter, r *http.Request) {
	p := path.Clean("/" + r.PathValue("pathname"))
	e, err := s.fsys.Resolve(p)
	if err != nil {
		if errors.Is(err, filesystem.ErrNotExist) {
			http.Error(w, "path `"+p+"` not found", http.StatusNotFound)
			return
		}
		s.Logger().Error("Unable to resolve path", "path", p, "error", err)
		http.Error(w, "path `"+p+"` error", http.StatusInternalServerError)
		return
	}

	if e.IsDir {
		if !strings.HasSuffix(r.URL.Path, "/") {
			http.Redirect(w, r, r.URL.Path+"/", http.StatusMovedPermanently)
			return
		}
		s.directory(w, p)
		return
	}
	if e.IsWriteOnly {
		http.Error(w, "path `"+p+"` is write-only", http.StatusForbidden)
		return
	}

	contentType := "text/plain; charset=utf-8"
	if e.IsBinary {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(e.Size, 10))
	w.Header().Set("Last-Modified", e.ModTime.UTC().Format(http.TimeFormat))
	if r.Method == http.MethodHead {
		return
	}
	for offset := int64(0); ; {
		data, err := s.fsys.Read(p, offset, chunkSize)
		if err != nil {
			// headers are gone; all that is left is to cut the response short
			s.Logger().Error("Unable to read item", "path", p, "error", err)
			return
		}
		if _, err := w.Write(data); err != nil || len(data) < chunkSize {
			return
		}
		offset += int64(len(data))
	}
}

func (s *StatusHandler) directory(w http.ResponseWriter, dir string) {
	type FileInfo struct {
		Name        string
		URL         string
		IsDir       bool
		IsBinary    bool
		IsWriteOnly bool
		Size        int64
	}

	type DirectoryData struct {
		Path  string
		Files []FileInfo
	}

	var fileInfos []FileInfo
	if dir != "/" {
		fileInfos = append(fileInfos, FileInfo{Name: "..", URL: "../", IsDir: true})
	}
	for e, err := range s.fsys.ListDir(dir) {
		if err != nil {
			s.Logger().Error("Unable to read directory", "path", dir, "error", err)
			http.Error(w, "Unable to read directory", http.StatusInternalServerError)
			return
		}
		u := url.PathEscape(e.Name)
		if e.IsDir {
			u += "/"
		}
		fileInfos = append(fileInfos, FileInfo{
			Name:        e.Name,
			URL:         u,
			IsDir:       e.IsDir,
			IsBinary:    e.IsBinary,
			IsWriteOnly: e.IsWriteOnly,
			Size:        e.Size,
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := directoryTmpl.Execute(w, DirectoryData{Path: dir, Files: fileInfos}); err != nil {
		s.Logger().Error("Unable to render directory", "path", dir, "error", err)
	}
}

// NewStatusHandler returns the handler. gatherer may be nil, in which case
// /metrics is not served; sessions reports the live FTP session count.
func NewStatusHandler(fsys filesystem.FS, gatherer prometheus.Gatherer, sessions func() int) *StatusHandler {
	s := &StatusHandler{
		fsys:     fsys,
		gatherer: gatherer,
		sessions: sessions,
		mux:      http.NewServeMux(),
	}
	if s.sessions == nil {
		s.sessions = func() int { return 0 }
	}

	s.mux.HandleFunc("GET /healthz", s.healthz)
	if gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	s.mux.HandleFunc("GET /tree/{pathname...}", s.tree)
	return s
}
