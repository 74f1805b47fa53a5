// Package inbox keeps one mounted view's notification mirror in step with the
// signed-in session.
package inbox

import (
	"errors"
	"sync"

	"github.com/angelmondragon/ledger-notify/internal/identity"
)

// LoginPath is where the gate sends views that have no session.
const LoginPath = "/login"

var ErrMounted = errors.New("inbox: already mounted")

// SessionSource reports session changes for one client.
type SessionSource interface {
	Subscribe(listener identity.Listener) identity.Unsubscribe
}

// Navigator moves the view elsewhere.
type Navigator interface {
	Redirect(location string)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(location string)

func (f NavigatorFunc) Redirect(location string) { f(location) }

// Gate holds exactly one session listener while mounted.
type Gate struct {
	source SessionSource
	nav    Navigator

	mu          sync.Mutex
	mounted     bool
	session     *identity.Session
	unsubscribe identity.Unsubscribe
	onChange    func(*identity.Session)
}

func NewGate(source SessionSource, nav Navigator) *Gate {
	return &Gate{source: source, nav: nav}
}

// Mount registers the listener. onChange runs for every change before the
// gate's own session is updated; a nil session is then redirected to login.
func (g *Gate) Mount(onChange func(*identity.Session)) error {
	g.mu.Lock()
	if g.mounted {
		g.mu.Unlock()
		return ErrMounted
	}
	g.mounted = true
	g.onChange = onChange
	g.mu.Unlock()

	unsubscribe := g.source.Subscribe(g.handle)

	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.mounted {
		unsubscribe()
		return nil
	}
	g.unsubscribe = unsubscribe
	return nil
}

// Unmount deregisters the listener and forgets the session.
func (g *Gate) Unmount() {
	g.mu.Lock()
	if !g.mounted {
		g.mu.Unlock()
		return
	}
	g.mounted = false
	unsubscribe := g.unsubscribe
	g.unsubscribe = nil
	g.session = nil
	g.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// Session returns the current session, nil while unresolved or signed out.
func (g *Gate) Session() *identity.Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.session
}

func (g *Gate) handle(current *identity.Session) {
	g.mu.Lock()
	if !g.mounted {
		g.mu.Unlock()
		return
	}
	onChange := g.onChange
	g.mu.Unlock()

	if onChange != nil {
		onChange(current)
	}

	g.mu.Lock()
	stillMounted := g.mounted
	if stillMounted {
		g.session = current
	}
	g.mu.Unlock()

	if current == nil && stillMounted && g.nav != nil {
		g.nav.Redirect(LoginPath)
	}
}
