// Package version contains build identity variables such as project name,
// tag and commit SHA. Using go:embed here is a proper alternative to the
// usual -ldflags '-X ...' dance.
package version

import (
	_ "embed"
	"runtime/debug"
	"strings"
)

var (
	// Tag declares the project's git tag.
	//go:embed data/tag
	Tag string
	// SHA declares the project's git commit SHA.
	//go:embed data/sha
	SHA string
	// Name declares the project name, derived from the build's module path.
	Name = func() string {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return "vmbus"
		}

		const prefix = "github.com/hyperv-go/"
		if strings.HasPrefix(info.Path, prefix) {
			tail := info.Path[len(prefix):]

			before, _, found := strings.Cut(tail, "/")
			if found {
				return before
			}

			return tail
		}

		return "vmbus"
	}()
)
