// Package redirect decides where a browser should be sent given its session
// state. Every navigation guard in the client and the OAuth landing redirect
// go through Policy.Target; no other code branches on (authenticated,
// entitled) to pick a route.
package redirect

import (
	"errors"
	"strings"
)

// Well-known routes.
const (
	RouteRoot     = "/"
	RouteLogin    = "/login"
	RouteRegister = "/register"
	RoutePayment  = "/payment"
	RouteWelcome  = "/welcome"

	DefaultSuccessRoute = "/chat"
)

// Class is how a route is guarded.
type Class int

const (
	// Protected routes need an entitled session. This is the default.
	Protected Class = iota
	// Open routes are reachable by anyone.
	Open
	// AuthOnly routes need a session but no entitlement.
	AuthOnly
	// Entry routes are the login and register pages.
	Entry
	// Payment is the checkout page.
	Payment
	// Root is "/".
	Root
)

func (c Class) String() string {
	switch c {
	case Open:
		return "open"
	case AuthOnly:
		return "auth_only"
	case Entry:
		return "entry"
	case Payment:
		return "payment"
	case Root:
		return "root"
	default:
		return "protected"
	}
}

// Policy maps (route, authenticated, entitled) to a target route.
type Policy struct {
	successRoute string
	open         []string
	authOnly     []string
}

// Option configures a Policy.
type Option func(*Policy)

// WithOpenPrefixes marks routes under the given prefixes as open.
func WithOpenPrefixes(prefixes ...string) Option {
	return func(p *Policy) { p.open = append(p.open, prefixes...) }
}

// WithAuthOnlyPrefixes marks routes under the given prefixes as auth-only.
func WithAuthOnlyPrefixes(prefixes ...string) Option {
	return func(p *Policy) { p.authOnly = append(p.authOnly, prefixes...) }
}

// New builds a Policy that sends entitled users to successRoute.
// successRoute must be protected or auth-only, otherwise Target could bounce
// between it and an entry page.
func New(successRoute string, opts ...Option) (*Policy, error) {
	p := &Policy{successRoute: normalize(successRoute)}
	for _, opt := range opts {
		opt(p)
	}
	switch p.Classify(p.successRoute) {
	case Protected, AuthOnly:
		return p, nil
	default:
		return nil, errors.New("redirect: success route must be a protected or auth-only route")
	}
}

// Default is the policy used by the server and the client SDK.
func Default() *Policy {
	p, err := New(DefaultSuccessRoute,
		WithOpenPrefixes("/reset-password", "/terms", "/privacy", "/healthz"),
		WithAuthOnlyPrefixes(RouteWelcome, "/account", "/cli/verify"),
	)
	if err != nil {
		panic(err)
	}
	return p
}

// SuccessRoute is where entitled users land.
func (p *Policy) SuccessRoute() string { return p.successRoute }

// Classify reports how route is guarded. Query strings and fragments are
// ignored.
func (p *Policy) Classify(route string) Class {
	path := normalize(route)
	switch path {
	case RouteRoot:
		return Root
	case RouteLogin, RouteRegister:
		return Entry
	case RoutePayment:
		return Payment
	}
	for _, prefix := range p.open {
		if hasPathPrefix(path, prefix) {
			return Open
		}
	}
	for _, prefix := range p.authOnly {
		if hasPathPrefix(path, prefix) {
			return AuthOnly
		}
	}
	return Protected
}

// Target returns where to send the browser. A return equal to route means
// stay. Target(Target(r)) == Target(r) for every input.
func (p *Policy) Target(route string, authenticated, entitled bool) string {
	switch p.Classify(route) {
	case Open:
		return route
	case AuthOnly:
		if !authenticated {
			return RouteLogin
		}
		return route
	case Entry:
		if !authenticated {
			return route
		}
		return p.landing(entitled)
	case Payment:
		if !authenticated {
			return RouteLogin
		}
		if entitled {
			return p.successRoute
		}
		return route
	case Root:
		if !authenticated {
			return RouteLogin
		}
		return p.landing(entitled)
	default:
		if !authenticated {
			return RouteLogin
		}
		if !entitled {
			return RoutePayment
		}
		return route
	}
}

func (p *Policy) landing(entitled bool) string {
	if entitled {
		return p.successRoute
	}
	return RoutePayment
}

func normalize(route string) string {
	if i := strings.IndexAny(route, "?#"); i >= 0 {
		route = route[:i]
	}
	route = strings.TrimSpace(route)
	if route == "" {
		return RouteRoot
	}
	if !strings.HasPrefix(route, "/") {
		route = "/" + route
	}
	if len(route) > 1 {
		route = strings.TrimRight(route, "/")
		if route == "" {
			return RouteRoot
		}
	}
	return route
}

func hasPathPrefix(path, prefix string) bool {
	prefix = normalize(prefix)
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
