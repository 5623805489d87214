/*
clearfail.go compiles the three CLEAR_FAILURE wire patterns into a Go regexp
and expands a compiled pattern against the attribute table. These three
patterns are an external contract: operators and resource agents already
depend on their shape, so a rewrite must match them character-for-character
under whatever regex engine it uses (see the module's Open Question decision
on RE2 vs POSIX in DESIGN.md).

Attribute names in this scheme follow Pacemaker's fail-count/last-failure
convention: "fail-count-<resource>" or "fail-count-<resource>#<op>_<interval_ms>",
and the "last-failure-" equivalent.
*/
package replica

import (
	"fmt"
	"regexp"

	"github.com/cuemby/warren-attrd/internal/store"
)

// ClearAllPattern matches every fail-count/last-failure attribute in the table.
const ClearAllPattern = `^(fail-count|last-failure)-.+$`

// CompileClearAll returns the regexp for a universal failure-attribute clear.
func CompileClearAll() *regexp.Regexp {
	return regexp.MustCompile(ClearAllPattern)
}

// CompileClearOne returns the regexp matching every failure attribute for one
// resource, regardless of operation or interval.
func CompileClearOne(resource string) *regexp.Regexp {
	pattern := fmt.Sprintf(`^(fail-count|last-failure)-%s(#.+)?$`, regexp.QuoteMeta(resource))
	return regexp.MustCompile(pattern)
}

// CompileClearOp returns the regexp matching the failure attributes for one
// specific (resource, operation, interval) triple.
func CompileClearOp(resource, operation string, intervalMS int) *regexp.Regexp {
	pattern := fmt.Sprintf(`^(fail-count|last-failure)-%s#%s_%d$`,
		regexp.QuoteMeta(resource), regexp.QuoteMeta(operation), intervalMS)
	return regexp.MustCompile(pattern)
}

// CompileClearFailure picks the right pattern for the given client clear
// request fields, matching the dispatcher's three-way choice: no resource
// clears everything, a resource with no operation clears that resource, and
// a resource with an operation and interval clears exactly that combination.
func CompileClearFailure(resource, operation string, intervalMS int) *regexp.Regexp {
	switch {
	case resource == "":
		return CompileClearAll()
	case operation == "":
		return CompileClearOne(resource)
	default:
		return CompileClearOp(resource, operation, intervalMS)
	}
}

// MatchingNames returns every attribute name in the table that re matches.
func MatchingNames(table *store.Table, re *regexp.Regexp) []string {
	var out []string
	for _, name := range table.Names() {
		if re.MatchString(name) {
			out = append(out, name)
		}
	}
	return out
}
