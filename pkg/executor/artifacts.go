package executor

import (
	"regexp"
	"strings"
)

// Tool output lines announcing file changes. Capture is best-effort:
// a miss never fails the run.
var artifactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?im)^Modified\s+(.+)$`),
	regexp.MustCompile(`(?im)^Created\s+(.+)$`),
	regexp.MustCompile(`(?im)^Deleted\s+(.+)$`),
}

// ParseArtifacts extracts the changed-file list from command stdout,
// trimmed and deduplicated in first-seen order.
func ParseArtifacts(stdout string) []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, pattern := range artifactPatterns {
		for _, match := range pattern.FindAllStringSubmatch(stdout, -1) {
			file := strings.TrimSpace(match[1])
			if file == "" || seen[file] {
				continue
			}
			seen[file] = true
			out = append(out, file)
		}
	}
	return out
}
