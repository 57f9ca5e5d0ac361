// Package assets embeds the dashboard connector script so the daemon can
// serve it without a separate static file tree. The dist files are produced
// from client/src by the buildjs generator.
package assets

import (
	"embed"
	"fmt"
	"io/fs"
)

//go:generate go run github.com/specdeck/specdeck/internal/buildjs -src ../client/src/specdeck-stream.js -out dist

//go:embed dist
var jsFiles embed.FS

// FS returns the embedded dist filesystem.
func FS() fs.FS {
	return jsFiles
}

// Script returns the connector source, minified or readable.
func Script(minified bool) ([]byte, error) {
	name := "dist/specdeck-stream.js"
	if minified {
		name = "dist/specdeck-stream.min.js"
	}
	data, err := jsFiles.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read embedded %s: %w", name, err)
	}
	return data, nil
}
