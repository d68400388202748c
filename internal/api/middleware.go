package api

import (
	"errors"
	"fmt"
	"net/http"
)

// errorHandler turns a panicking handler into a 500. http.ErrAbortHandler is
// re-raised so net/http can abort the response as intended.
func (s *LiveRoomApp) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}

			err, ok := rec.(error)
			if !ok {
				err = fmt.Errorf("%v", rec)
			}
			if errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}

			s.log.Printf("panic: %s %s: %v", r.Method, r.URL.Path, err)
			w.Header().Set("Connection", "close")
			s.writeJson(w, http.StatusInternalServerError, NewInternalServerError(err))
		}()

		next.ServeHTTP(w, r)
	})
}

// noStore keeps live room state out of browser and proxy caches.
func noStore(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
		next(w, r)
	}
}
