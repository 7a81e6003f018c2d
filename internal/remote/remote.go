// Package remote defines the contract of the managed backend this terminal
// talks to: table-scoped reads and writes over JSON rows, row-level change
// subscriptions, and password-based auth sessions. The application never
// mutates its caches from a write result; every visible change arrives
// through the subscription stream.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

const (
	TableProducts           = "products"
	TableUsers              = "users"
	TableExpenses           = "expenses"
	TableTransactions       = "transactions"
	TableTransactionDetails = "transaction_details"
)

// JoinDetails asks SelectOne to embed a transaction's detail rows.
const JoinDetails = "transaction_details(*)"

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidPayload = errors.New("invalid payload")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrNoSession      = errors.New("no active session")
)

type EventKind string

const (
	EventInsert EventKind = "INSERT"
	EventUpdate EventKind = "UPDATE"
	EventDelete EventKind = "DELETE"
)

// Event is a row-level change notification. New carries the full new row for
// inserts and updates; Old carries at least the id of the removed row for
// deletes.
type Event struct {
	Kind  EventKind       `json:"kind"`
	Table string          `json:"table"`
	New   json.RawMessage `json:"new,omitempty"`
	Old   json.RawMessage `json:"old,omitempty"`
}

// OldID decodes the id of the row an Event removed.
func (e Event) OldID() string {
	var row struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(e.Old, &row); err != nil {
		return ""
	}
	return row.ID
}

// Subscription delivers change events for one table in delivery order.
// Close tears the stream down and closes the Events channel.
type Subscription interface {
	Events() <-chan Event
	Close()
}

// Session is the authenticated state the backend hands out. A nil *Session
// from GetSession means signed out.
type Session struct {
	UserID      string
	Email       string
	AccessToken string
	ExpiresAt   time.Time
}

// AuthChangeFunc receives the new session state, or nil when the session is
// gone (logout or external sign-out).
type AuthChangeFunc func(session *Session)

type Client interface {
	// Select performs a bulk read of the whole table, ordered by a stable
	// key such as "name asc" or "date desc". Selects on the transactions
	// table embed each row's detail rows under "details".
	Select(ctx context.Context, table string, orderBy string) ([]json.RawMessage, error)
	// SelectOne performs a point read by id. A non-empty joinSpec embeds
	// related rows (currently only JoinDetails on transactions).
	SelectOne(ctx context.Context, table string, id string, joinSpec string) (json.RawMessage, error)
	Insert(ctx context.Context, table string, payload any) (json.RawMessage, error)
	Update(ctx context.Context, table string, id string, patch any) (json.RawMessage, error)
	Delete(ctx context.Context, table string, id string) error
	Subscribe(ctx context.Context, table string) (Subscription, error)

	GetSession(ctx context.Context) (*Session, error)
	SignInWithPassword(ctx context.Context, email string, password string) (*Session, error)
	SignOut(ctx context.Context) error
	// OnAuthStateChange registers fn and returns an unsubscribe func.
	OnAuthStateChange(fn AuthChangeFunc) func()
}
