package http

import (
	"net/http"
	"os"
	"path"
	"path/filepath"

	"github.com/rs/zerolog/hlog"
)

const notFoundBody = "<h1>404 - File Not Found</h1>"

var contentTypes = map[string]string{
	".css":  "text/css",
	".js":   "application/javascript",
	".json": "application/json",
	".png":  "image/png",
	".jpg":  "image/jpeg",
}

func contentType(name string) string {
	if ct, ok := contentTypes[path.Ext(name)]; ok {
		return ct
	}
	return "text/html"
}

// ServeStatic serves files of the static directory. "/" is index.html and
// anything unreadable is a 404.
func (h *Handler) ServeStatic(w http.ResponseWriter, r *http.Request) {
	name := path.Clean("/" + r.URL.Path)
	if name == "/" {
		name = "/index.html"
	}

	content, err := os.ReadFile(filepath.Join(h.opts.StaticDir, filepath.FromSlash(name)))
	if err != nil {
		hlog.FromRequest(r).Debug().Err(err).Str("file", name).Msg("Static file not served")
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(notFoundBody))
		return
	}

	w.Header().Set("Content-Type", contentType(name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}
