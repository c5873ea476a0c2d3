// Package bundle prepares worker script text before it reaches an engine:
// it enforces the size limit and transpiles TypeScript with esbuild.
package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	esbuild "github.com/evanw/esbuild/pkg/api"

	"github.com/cryguy/workerpool/internal/core"
)

// Loader selects how a script is interpreted.
type Loader int

const (
	LoaderJS Loader = iota
	LoaderTS
)

// LoaderForPath picks a loader from the file extension.
func LoaderForPath(path string) Loader {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ts", ".mts", ".cts":
		return LoaderTS
	default:
		return LoaderJS
	}
}

// Prepare checks the size of source against maxKB (<= 0 disables the check)
// and transpiles it when loader is LoaderTS. name is only used in error
// messages.
func Prepare(source, name string, loader Loader, maxKB int) (string, error) {
	if maxKB > 0 && len(source) > maxKB*1024 {
		return "", fmt.Errorf("%s: %d bytes (limit %d KB): %w", name, len(source), maxKB, core.ErrScriptTooLarge)
	}
	if loader != LoaderTS {
		return source, nil
	}

	result := esbuild.Transform(source, esbuild.TransformOptions{
		Loader:     esbuild.LoaderTS,
		Target:     esbuild.ES2020,
		Sourcefile: name,
	})
	if len(result.Errors) > 0 {
		var msgs []string
		for _, e := range result.Errors {
			msgs = append(msgs, e.Text)
		}
		return "", fmt.Errorf("transpiling %s: %s", name, strings.Join(msgs, "; "))
	}
	return string(result.Code), nil
}

// PrepareFile reads path and prepares it with the loader its extension
// implies.
func PrepareFile(path string, maxKB int) (string, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading worker script: %w", err)
	}
	return Prepare(string(source), filepath.Base(path), LoaderForPath(path), maxKB)
}
