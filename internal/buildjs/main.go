// Command buildjs copies the dashboard connector source into the embedded
// dist directory and writes a minified variant next to it. It runs through
// go generate from the assets package.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/js"
)

func main() {
	src := flag.String("src", "client/src/specdeck-stream.js", "connector source file")
	out := flag.String("out", "assets/dist", "output directory")
	flag.Parse()

	if err := build(*src, *out); err != nil {
		fmt.Fprintf(os.Stderr, "buildjs: %v\n", err)
		os.Exit(1)
	}
}

func build(src, out string) error {
	content, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}
	if err := os.MkdirAll(out, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	base := filepath.Base(src)
	fullPath := filepath.Join(out, base)
	if err := os.WriteFile(fullPath, content, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", fullPath, err)
	}

	m := minify.New()
	m.AddFunc("application/javascript", js.Minify)
	minified, err := m.Bytes("application/javascript", content)
	if err != nil {
		return fmt.Errorf("minify: %w", err)
	}

	ext := filepath.Ext(base)
	minPath := filepath.Join(out, base[:len(base)-len(ext)]+".min"+ext)
	if err := os.WriteFile(minPath, minified, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", minPath, err)
	}

	fmt.Printf("buildjs: %s (%d bytes) -> %s (%d bytes, %d%% smaller)\n",
		src, len(content), minPath, len(minified), 100-len(minified)*100/len(content))
	return nil
}
