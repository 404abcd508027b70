package web

import (
	"errors"
	"net/http"
	"strings"

	"github.com/renderinc/clip-search/internal/config"
	"github.com/renderinc/clip-search/internal/search"
)

var ErrUnauthenticated = errors.New("missing or unknown bearer token")

// Authenticator resolves a request to the caller's search scope.
type Authenticator interface {
	Authenticate(r *http.Request) (search.Scope, error)
}

// StaticTokens authenticates bearer tokens listed in the configuration.
type StaticTokens struct {
	scopes map[string]search.Scope
}

func NewStaticTokens(tokens []config.Token) *StaticTokens {
	scopes := make(map[string]search.Scope, len(tokens))
	for _, t := range tokens {
		scopes[t.Token] = search.Scope{
			Role:            search.Role(t.Role),
			AllowedProjects: append([]string(nil), t.Projects...),
		}
	}
	return &StaticTokens{scopes: scopes}
}

func (a *StaticTokens) Authenticate(r *http.Request) (search.Scope, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return search.Scope{}, ErrUnauthenticated
	}
	scope, ok := a.scopes[strings.TrimSpace(token)]
	if !ok {
		return search.Scope{}, ErrUnauthenticated
	}
	return scope, nil
}
