package trigger

import (
	"regexp"
	"strings"
	"sync"
)

// Glob translation: `**` crosses path separators, `*` does not, every other
// regex metacharacter is escaped. Compiled patterns are memoized because rule
// sets are evaluated on every incoming event.
var (
	globMu    sync.RWMutex
	globCache = map[string]*regexp.Regexp{}
)

// MatchPattern reports whether value matches the glob pattern.
func MatchPattern(value, pattern string) bool {
	re, err := compileGlob(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(value)
}

func compileGlob(pattern string) (*regexp.Regexp, error) {
	globMu.RLock()
	re, ok := globCache[pattern]
	globMu.RUnlock()
	if ok {
		return re, nil
	}

	var sb strings.Builder
	sb.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		if pattern[i] == '*' {
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				sb.WriteString(".*")
				i++
				continue
			}
			sb.WriteString("[^/]*")
			continue
		}
		if pattern[i] == '?' {
			sb.WriteString("[^/]")
			continue
		}
		sb.WriteString(regexp.QuoteMeta(string(pattern[i])))
	}
	sb.WriteString("$")

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, err
	}
	globMu.Lock()
	globCache[pattern] = re
	globMu.Unlock()
	return re, nil
}

// matchAny reports whether value matches any of the patterns.
func matchAny(value string, patterns []string) bool {
	for _, pattern := range patterns {
		if MatchPattern(value, pattern) {
			return true
		}
	}
	return false
}
