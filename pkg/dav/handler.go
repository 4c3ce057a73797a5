package dav

import (
	"log/slog"
	"net/http"

	"golang.org/x/net/webdav"

	"davmirror/pkg/meta"
	"davmirror/pkg/mirror"
)

// NewHandler wires the repository and the metadata store into a WebDAV
// handler. Each request gets a fresh stat cache in its context.
func NewHandler(repo *mirror.Repository, store *meta.Store, locks webdav.LockSystem) http.Handler {
	h := &webdav.Handler{
		FileSystem: NewDir(repo, store),
		LockSystem: locks,
		Logger: func(r *http.Request, err error) {
			if err != nil {
				slog.Error("webdav request failed", "method", r.Method, "path", r.URL.Path, "error", err)
				return
			}
			slog.Debug("webdav request", "method", r.Method, "path", r.URL.Path)
		},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r.WithContext(WithStatCache(r.Context())))
	})
}
