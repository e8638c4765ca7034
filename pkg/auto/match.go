package auto

import (
	"strings"

	glob "github.com/ryanuber/go-glob"
)

// Match reports whether an auto_deploy_on pattern selects ref. A
// pattern matches the ref exactly, or, if it contains a *, any ref
// starting with what comes before the first *. Anything after the *
// is ignored. An empty pattern matches nothing.
func Match(pattern, ref string) bool {
	if pattern == "" {
		return false
	}
	if i := strings.Index(pattern, "*"); i >= 0 {
		pattern = pattern[:i+1]
	}
	return glob.Glob(pattern, ref)
}
