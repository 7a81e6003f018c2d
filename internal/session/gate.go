// Package session resolves the remote auth session to a user profile and
// gates which views a role may reach. Profile failure after a valid session
// is fatal-local: sign out, clear everything, make the user log in again.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"slices"
	"sync"

	"naladrink/pos/internal/domain"
	"naladrink/pos/internal/reconcile"
	"naladrink/pos/internal/remote"
)

type View string

const (
	ViewPOS            View = "pos"
	ViewExpenses       View = "expenses"
	ViewProducts       View = "products"
	ViewReports        View = "reports"
	ViewDataManagement View = "data-management"
	ViewSettings       View = "settings"
)

// viewsByRole is the static capability table. Role checks happen here, at
// the view-selection boundary, not scattered through handlers.
var viewsByRole = map[domain.Role][]View{
	domain.RoleAdmin: {ViewPOS, ViewExpenses, ViewProducts, ViewReports, ViewDataManagement, ViewSettings},
	domain.RoleKasir: {ViewPOS, ViewExpenses},
}

func ViewsFor(role domain.Role) []View {
	return slices.Clone(viewsByRole[role])
}

func Allowed(role domain.Role, view View) bool {
	return slices.Contains(viewsByRole[role], view)
}

type Gate struct {
	client remote.Client
	rec    *reconcile.Reconciler

	mu        sync.RWMutex
	current   *domain.User
	session   *remote.Session
	unsubFn   func()
	resetting bool
}

func NewGate(client remote.Client, rec *reconcile.Reconciler) *Gate {
	return &Gate{client: client, rec: rec}
}

// Start resumes an existing session, if any, and registers for auth state
// changes so an externally vanished session triggers the same hard reset as
// an explicit logout.
func (g *Gate) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.unsubFn == nil {
		g.unsubFn = g.client.OnAuthStateChange(func(session *remote.Session) {
			if session == nil {
				g.reset()
			}
		})
	}
	g.mu.Unlock()

	session, err := g.client.GetSession(ctx)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if session == nil {
		return nil
	}
	return g.establish(ctx, session)
}

// Close unregisters the auth listener. It does not sign out.
func (g *Gate) Close() {
	g.mu.Lock()
	unsub := g.unsubFn
	g.unsubFn = nil
	g.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (g *Gate) Login(ctx context.Context, email string, password string) (domain.User, error) {
	session, err := g.client.SignInWithPassword(ctx, email, password)
	if err != nil {
		return domain.User{}, err
	}
	if err := g.establish(ctx, session); err != nil {
		return domain.User{}, err
	}
	user, _ := g.CurrentUser()
	return user, nil
}

// Logout is a hard reset: sign out remotely, tear down all subscriptions,
// clear all caches.
func (g *Gate) Logout(ctx context.Context) error {
	err := g.client.SignOut(ctx)
	g.reset()
	return err
}

func (g *Gate) CurrentUser() (domain.User, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.current == nil {
		return domain.User{}, false
	}
	return *g.current, true
}

func (g *Gate) AccessToken() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.session == nil {
		return ""
	}
	return g.session.AccessToken
}

// establish resolves the session to a profile row and seeds the caches. Any
// failure here forces a sign-out; there is no retry path short of a fresh
// login.
func (g *Gate) establish(ctx context.Context, session *remote.Session) error {
	raw, err := g.client.SelectOne(ctx, remote.TableUsers, session.UserID, "")
	if err != nil {
		g.failFatal(ctx)
		return fmt.Errorf("load user profile: %w", err)
	}
	var profile domain.User
	if err := json.Unmarshal(raw, &profile); err != nil || profile.ID == "" {
		g.failFatal(ctx)
		return fmt.Errorf("user profile not found")
	}

	g.mu.Lock()
	g.current = &profile
	g.session = session
	g.mu.Unlock()

	if err := g.rec.Start(ctx); err != nil {
		g.failFatal(ctx)
		return fmt.Errorf("load data: %w", err)
	}
	return nil
}

func (g *Gate) failFatal(ctx context.Context) {
	if err := g.client.SignOut(ctx); err != nil {
		log.Printf("[session] sign out after fatal init error: %v", err)
	}
	g.reset()
}

// reset clears the local identity and stops the reconciler. Idempotent: it
// runs both on explicit logout and on the auth-change callback that the
// sign-out itself triggers.
func (g *Gate) reset() {
	g.mu.Lock()
	if g.resetting {
		g.mu.Unlock()
		return
	}
	g.resetting = true
	g.current = nil
	g.session = nil
	g.mu.Unlock()

	g.rec.Stop()

	g.mu.Lock()
	g.resetting = false
	g.mu.Unlock()
}
