package changecache

import (
	"path"
	"strings"

	"github.com/stackdock/stackdock/internal/service/trigger"
)

// WatchedFiles narrows a raw changed-file list to the files a service
// watches. Files outside basePath are dropped and the rest are made relative
// to it. Ignore patterns take precedence over watch patterns; an empty watch
// list means watch everything not ignored.
func WatchedFiles(files []string, basePath string, watchPaths, ignorePaths []string) []string {
	base := strings.Trim(path.Clean("/"+basePath), "/")
	watched := make([]string, 0, len(files))
	for _, file := range files {
		rel := strings.TrimPrefix(path.Clean("/"+file), "/")
		if base != "" && base != "." {
			if !strings.HasPrefix(rel, base+"/") && rel != base {
				continue
			}
			rel = strings.TrimPrefix(strings.TrimPrefix(rel, base), "/")
			if rel == "" {
				continue
			}
		}
		if matchesAny(rel, ignorePaths) {
			continue
		}
		if len(watchPaths) > 0 && !matchesAny(rel, watchPaths) {
			continue
		}
		watched = append(watched, rel)
	}
	return watched
}

func matchesAny(file string, patterns []string) bool {
	for _, pattern := range patterns {
		if trigger.MatchPattern(file, pattern) {
			return true
		}
	}
	return false
}
