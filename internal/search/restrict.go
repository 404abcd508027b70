package search

import (
	"slices"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
)

type Role string

const (
	Admin Role = "admin"
	User  Role = "user"
)

// Scope is what the caller may see.
type Scope struct {
	Role            Role     `json:"role"`
	AllowedProjects []string `json:"allowed_projects"`
}

// Privileged reports whether the scope bypasses project restriction.
func (s Scope) Privileged() bool {
	return s.Role == Admin
}

// Allows reports whether documents of project are visible in the scope.
func (s Scope) Allows(project string) bool {
	return s.Privileged() || slices.Contains(s.AllowedProjects, project)
}

// Restrict confines q to the scope's projects. The caller's query is
// always kept as a conjunct, so no request shape can widen the result
// beyond the allowed set. An empty allowed set matches nothing.
func Restrict(q query.Query, scope Scope) query.Query {
	if scope.Privileged() {
		return q
	}
	if q == nil {
		q = bleve.NewMatchAllQuery()
	}
	if len(scope.AllowedProjects) == 0 {
		return bleve.NewConjunctionQuery(q, bleve.NewMatchNoneQuery())
	}

	allowed := bleve.NewDisjunctionQuery()
	for _, p := range scope.AllowedProjects {
		allowed.AddQuery(Term("project_id", p))
	}
	return bleve.NewConjunctionQuery(q, allowed)
}
