// Package auth resolves bearer tokens to scoped principals.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"sort"
	"strings"
)

// ScopeAll grants every scope.
const ScopeAll = "*"

// AdminName names the principal behind the admin API key.
const AdminName = "admin"

var (
	ErrMissingToken  = errors.New("missing bearer token")
	ErrMalformedAuth = errors.New("invalid Authorization header format")
)

// Token is a named bearer secret and the scopes it grants.
type Token struct {
	Name   string
	Secret string
	Scopes []string
}

// Principal is the identity a request authenticated as.
type Principal struct {
	Name   string
	scopes map[string]struct{}
}

// Allows reports whether p holds at least one of required. An empty
// requirement always passes.
func (p Principal) Allows(required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.scopes[s]; ok {
			return true
		}
	}
	return false
}

// Scopes returns p's scopes, sorted.
func (p Principal) Scopes() []string {
	out := make([]string, 0, len(p.scopes))
	for s := range p.scopes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

type entry struct {
	principal Principal
	secret    []byte
}

// Keyring matches presented secrets against a fixed set of tokens.
type Keyring struct {
	entries []entry
}

// NewKeyring builds a keyring. A non-empty adminKey authenticates as
// AdminName with every scope; tokens with an empty secret are ignored.
func NewKeyring(adminKey string, tokens []Token) *Keyring {
	k := &Keyring{}
	if adminKey != "" {
		k.entries = append(k.entries, entry{
			principal: Principal{Name: AdminName, scopes: map[string]struct{}{ScopeAll: {}}},
			secret:    []byte(adminKey),
		})
	}
	for _, t := range tokens {
		if t.Secret == "" {
			continue
		}
		k.entries = append(k.entries, entry{
			principal: Principal{Name: t.Name, scopes: scopeSet(t.Scopes)},
			secret:    []byte(t.Secret),
		})
	}
	return k
}

// Len reports the number of usable secrets.
func (k *Keyring) Len() int { return len(k.entries) }

// Authenticate returns the principal whose secret equals presented. Every
// entry is compared so the time taken does not depend on which one matched.
func (k *Keyring) Authenticate(presented string) (Principal, bool) {
	if presented == "" {
		return Principal{}, false
	}
	p := []byte(presented)
	match := -1
	for i, e := range k.entries {
		if subtle.ConstantTimeCompare(p, e.secret) == 1 && match < 0 {
			match = i
		}
	}
	if match < 0 {
		return Principal{}, false
	}
	return k.entries[match].principal, true
}

func scopeSet(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		if s = strings.TrimSpace(s); s != "" {
			out[s] = struct{}{}
		}
	}
	return out
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrMalformedAuth
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
