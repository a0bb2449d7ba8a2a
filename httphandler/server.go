package httphandler

import (
	"errors"
	"net/http"
	"time"
)

type Server struct {
	*http.Server
}

// TryListenAndServe starts the server in the background and returns the error
// if it fails within d.
func (s *Server) TryListenAndServe(d time.Duration) error {
	errC := make(chan error, 1)
	go func() {
		err := s.Server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errC <- err
		}
	}()

	select {
	case err := <-errC:
		return err
	case <-time.After(d):
		return nil
	}
}
