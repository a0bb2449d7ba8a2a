package tools

import "net/http"

// HttpResponseWriter records the status code and body size of a response so
// it can be logged once the handler returns.
type HttpResponseWriter struct {
	http.ResponseWriter
	Status int
	Bytes  int64
}

func (rw *HttpResponseWriter) WriteHeader(code int) {
	if rw.Status == 0 {
		rw.Status = code
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *HttpResponseWriter) Write(b []byte) (int, error) {
	if rw.Status == 0 {
		rw.Status = http.StatusOK
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.Bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *HttpResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func NewHttpResponseWriter(w http.ResponseWriter) *HttpResponseWriter {
	return &HttpResponseWriter{ResponseWriter: w}
}
