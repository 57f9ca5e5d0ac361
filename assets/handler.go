package assets

import (
	"net/http"
	"path"
	"strings"
)

// ScriptHandler serves the embedded connector files. An empty path serves the
// minified script.
func ScriptHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/")
		if name == "" {
			name = "specdeck-stream.min.js"
		}
		data, err := jsFiles.ReadFile(path.Join("dist", name))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Cache-Control", "max-age=3600")
		_, _ = w.Write(data)
	})
}
