package allowlist

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// DefaultSafeBins are stream filters that are always permitted when invoked
// with stdin-only arguments, regardless of allowlist content.
var DefaultSafeBins = []string{"jq", "grep", "cut", "sort", "uniq", "head", "tail", "tr", "wc"}

// NormalizeSafeBins returns a lookup set of lower-cased binary names.
func NormalizeSafeBins(entries []string) map[string]bool {
	result := make(map[string]bool, len(entries))
	for _, entry := range entries {
		name := strings.ToLower(strings.TrimSpace(entry))
		if name != "" {
			result[name] = true
		}
	}
	return result
}

// MatchEntry returns the first allowlist entry whose pattern matches the
// segment's resolved path, or nil. Patterns without a path separator never
// match: allowlist entries are resolved executable paths or globs over them.
func MatchEntry(entries []Entry, resolution *Resolution) *Entry {
	if resolution == nil || resolution.ResolvedPath == "" {
		return nil
	}

	for i := range entries {
		entry := &entries[i]
		pattern := strings.TrimSpace(entry.Pattern)
		if pattern == "" {
			continue
		}
		if !strings.Contains(pattern, "/") && !strings.Contains(pattern, "~") {
			continue
		}
		if matchesPattern(pattern, resolution.ResolvedPath) {
			return entry
		}
	}
	return nil
}

// matchesPattern reports whether target matches the glob pattern,
// case-insensitively. `*` does not cross path separators, `**` does.
func matchesPattern(pattern, target string) bool {
	expanded := expandHome(pattern, nil)
	re := globToRegexp(strings.ToLower(expanded))
	return re.MatchString(strings.ToLower(target))
}

func globToRegexp(pattern string) *regexp.Regexp {
	var result strings.Builder
	result.WriteString("^")

	for i := 0; i < len(pattern); i++ {
		ch := pattern[i]
		switch ch {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				result.WriteString(".*")
				i++
			} else {
				result.WriteString("[^/]*")
			}
		case '?':
			result.WriteString(".")
		case '.', '+', '^', '$', '{', '}', '(', ')', '[', ']', '|', '\\':
			result.WriteString("\\")
			result.WriteByte(ch)
		default:
			result.WriteByte(ch)
		}
	}

	result.WriteString("$")
	re, err := regexp.Compile(result.String())
	if err != nil {
		// A pattern that cannot compile matches nothing.
		return regexp.MustCompile(`$a^`)
	}
	return re
}

// isSafeBinUsage reports whether a segment invokes a safe binary with
// stdin-only arguments. Any argument that looks like, or resolves to, a file
// path disqualifies the segment: safe bins are only exempt as stream
// filters.
func isSafeBinUsage(argv []string, resolution *Resolution, safeBins map[string]bool, cwd string) bool {
	if len(safeBins) == 0 || resolution == nil || resolution.ResolvedPath == "" {
		return false
	}

	if !safeBins[strings.ToLower(resolution.ExecutableName)] {
		return false
	}

	if cwd == "" {
		cwd, _ = os.Getwd()
	}

	for _, arg := range argv[1:] {
		if arg == "-" {
			continue
		}
		if strings.HasPrefix(arg, "-") {
			if idx := strings.Index(arg, "="); idx > 0 {
				value := arg[idx+1:]
				if isPathLike(value) || fileExists(filepath.Join(cwd, value)) {
					return false
				}
			}
			continue
		}
		if isPathLike(arg) {
			return false
		}
		if fileExists(filepath.Join(cwd, arg)) {
			return false
		}
	}

	return true
}

func isPathLike(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || s == "-" {
		return false
	}
	if strings.HasPrefix(s, "./") || strings.HasPrefix(s, "../") || strings.HasPrefix(s, "~") {
		return true
	}
	return strings.HasPrefix(s, "/")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Evaluation is the outcome of checking an analysis against an allowlist.
type Evaluation struct {
	// Satisfied is true when every segment either matched an allowlist
	// entry or qualified as safe-bin usage.
	Satisfied bool
	// MatchedPatterns lists the patterns that matched, for usage
	// recording. Safe-bin segments contribute no pattern.
	MatchedPatterns []string
}

// Evaluate checks every segment of an analysis against the allowlist
// entries and the safe-bin set. A failed analysis never satisfies the
// allowlist.
func Evaluate(analysis *Analysis, entries []Entry, safeBins map[string]bool, cwd string) *Evaluation {
	result := &Evaluation{}

	if analysis == nil || !analysis.OK || len(analysis.Segments) == 0 {
		return result
	}

	for _, seg := range analysis.Segments {
		if match := MatchEntry(entries, seg.Resolution); match != nil {
			result.MatchedPatterns = append(result.MatchedPatterns, match.Pattern)
			continue
		}
		if isSafeBinUsage(seg.Argv, seg.Resolution, safeBins, cwd) {
			continue
		}
		result.MatchedPatterns = nil
		return result
	}

	result.Satisfied = true
	return result
}
