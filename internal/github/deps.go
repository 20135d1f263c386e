package github

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var issueRefPattern = regexp.MustCompile(`#(\d+)`)

// ParseDependsOn extracts dependency issue numbers from an issue body.
// It accepts every line containing a "depends on" marker, case
// insensitively, with or without markdown emphasis and a colon, and
// collects all #N references on such lines. References across multiple
// lines are unioned and de-duplicated. An empty or nil result means the
// item has no declared dependencies.
func ParseDependsOn(body string) []int {
	if body == "" {
		return nil
	}

	seen := make(map[int]struct{})
	for _, line := range strings.Split(body, "\n") {
		if !strings.Contains(strings.ToLower(line), "depends on") {
			continue
		}
		idx := strings.Index(strings.ToLower(line), "depends on")
		rest := line[idx+len("depends on"):]
		for _, m := range issueRefPattern.FindAllStringSubmatch(rest, -1) {
			n, err := strconv.Atoi(m[1])
			if err != nil || n <= 0 {
				continue
			}
			seen[n] = struct{}{}
		}
	}

	if len(seen) == 0 {
		return nil
	}
	out := make([]int, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}
