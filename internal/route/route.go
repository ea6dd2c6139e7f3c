// Package route classifies request paths against the served prefixes.
package route

import "strings"

const (
	NameAPI  = "api"
	NameAuth = "auth"
)

// Route binds a local path prefix to the shared origin.
type Route struct {
	Name   string
	Prefix string
}

// Matches reports whether path is the prefix itself or lies below it.
// "/api/v3" matches "/api/v3" and "/api/v3/users" but not "/api/v3x".
func (r Route) Matches(path string) bool {
	if path == r.Prefix {
		return true
	}
	return strings.HasPrefix(path, r.Prefix+"/")
}

// Table is the immutable set of served prefixes.
type Table struct {
	routes []Route
}

// NewTable builds the table for the API and Auth prefixes. Equal prefixes
// collapse into a single API route.
func NewTable(apiPrefix, authPrefix string) *Table {
	t := &Table{routes: []Route{{Name: NameAPI, Prefix: apiPrefix}}}
	if authPrefix != apiPrefix {
		t.routes = append(t.routes, Route{Name: NameAuth, Prefix: authPrefix})
	}
	return t
}

// Match returns the route owning path. When one prefix is nested inside the
// other the longer prefix wins.
func (t *Table) Match(path string) (Route, bool) {
	var (
		best  Route
		found bool
	)
	for _, r := range t.routes {
		if r.Matches(path) && (!found || len(r.Prefix) > len(best.Prefix)) {
			best, found = r, true
		}
	}
	return best, found
}

// Routes returns a copy of the registered routes.
func (t *Table) Routes() []Route {
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}
