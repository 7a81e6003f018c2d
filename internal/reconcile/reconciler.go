// Package reconcile keeps the in-memory entity caches consistent with the
// remote store: one bulk read per table to seed, then one change
// subscription per table folding events in with idempotent upsert/remove
// rules. Writes never touch the caches directly; they are confirmed
// indirectly through the same event stream every other connected terminal
// observes.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"naladrink/pos/internal/domain"
	"naladrink/pos/internal/remote"
)

type State int

const (
	StateUnseeded State = iota
	StateSeeding
	StateLive
)

func (s State) String() string {
	switch s {
	case StateSeeding:
		return "seeding"
	case StateLive:
		return "live"
	}
	return "unseeded"
}

type Reconciler struct {
	client remote.Client
	caches *Caches

	mu    sync.Mutex
	state State
	subs  []remote.Subscription
	wg    sync.WaitGroup

	// generation is bumped on every teardown. In-flight work captured under
	// an older generation must discard its result instead of applying it to
	// a cleared cache.
	generation atomic.Uint64
}

func New(client remote.Client, caches *Caches) *Reconciler {
	return &Reconciler{client: client, caches: caches}
}

func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start seeds all four caches in parallel and, once every bulk read has
// succeeded, opens the change subscriptions. Any single bulk-read failure
// aborts the whole initialization; partial seeding is not a supported state.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateUnseeded {
		r.mu.Unlock()
		return fmt.Errorf("reconciler already %s", r.state)
	}
	r.state = StateSeeding
	r.mu.Unlock()

	gen := r.generation.Load()

	var (
		users        []domain.User
		products     []domain.Product
		transactions []domain.Transaction
		expenses     []domain.Expense
		errs         [4]error
		wg           sync.WaitGroup
	)

	wg.Add(4)
	go func() {
		defer wg.Done()
		users, errs[0] = selectInto[domain.User](ctx, r.client, remote.TableUsers, "name asc")
	}()
	go func() {
		defer wg.Done()
		products, errs[1] = selectInto[domain.Product](ctx, r.client, remote.TableProducts, "name asc")
	}()
	go func() {
		defer wg.Done()
		transactions, errs[2] = selectInto[domain.Transaction](ctx, r.client, remote.TableTransactions, "date desc")
	}()
	go func() {
		defer wg.Done()
		expenses, errs[3] = selectInto[domain.Expense](ctx, r.client, remote.TableExpenses, "date desc")
	}()
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			r.reset()
			return fmt.Errorf("seed caches: %w", err)
		}
	}

	if r.generation.Load() != gen {
		// Torn down while seeding; the session is gone.
		r.reset()
		return fmt.Errorf("seed aborted: session ended")
	}

	for i := range transactions {
		transactions[i].CashierName = cashierName(users, transactions[i].CashierID)
	}
	r.caches.seed(users, products, transactions, expenses)

	// Users are seed-once: refreshed only by re-login, so no subscription.
	for _, stream := range []struct {
		table string
		apply func(uint64, remote.Event)
	}{
		{remote.TableProducts, r.applyProductEvent},
		{remote.TableExpenses, r.applyExpenseEvent},
		{remote.TableTransactions, r.applyTransactionEvent},
	} {
		sub, err := r.client.Subscribe(ctx, stream.table)
		if err != nil {
			r.teardown()
			return fmt.Errorf("subscribe %s: %w", stream.table, err)
		}

		// A teardown may have snapshotted r.subs while this subscribe was in
		// flight; appending then would leak the subscription and strand its
		// consumer. Re-check the generation under the lock.
		r.mu.Lock()
		if r.generation.Load() != gen {
			r.mu.Unlock()
			sub.Close()
			r.reset()
			return fmt.Errorf("subscribe %s: session ended", stream.table)
		}
		r.subs = append(r.subs, sub)
		r.wg.Add(1)
		r.mu.Unlock()

		go r.consume(gen, sub, stream.apply)
	}

	r.mu.Lock()
	if r.generation.Load() != gen {
		r.mu.Unlock()
		r.teardown()
		return fmt.Errorf("start aborted: session ended")
	}
	r.state = StateLive
	r.mu.Unlock()
	log.Printf("[reconcile] live: %d users, %d products, %d transactions, %d expenses", len(users), len(products), len(transactions), len(expenses))
	return nil
}

// Stop tears down all subscriptions and clears every cache. Re-entry
// requires a fresh Start, restarting the state machine from unseeded.
func (r *Reconciler) Stop() {
	r.teardown()
}

func (r *Reconciler) teardown() {
	r.generation.Add(1)

	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	r.wg.Wait()
	r.reset()
}

func (r *Reconciler) reset() {
	r.caches.Clear()
	r.mu.Lock()
	r.state = StateUnseeded
	r.mu.Unlock()
}

// consume drains one table's subscription, applying events in delivery
// order. No ordering is assumed across tables.
func (r *Reconciler) consume(gen uint64, sub remote.Subscription, apply func(uint64, remote.Event)) {
	defer r.wg.Done()
	for ev := range sub.Events() {
		if r.generation.Load() != gen {
			continue
		}
		apply(gen, ev)
	}
}

// Inserts fold in as replace-or-append so redelivery cannot duplicate a row.
// Updates replace in place only: an update for an id not held locally is a
// no-op, never a resurrection.
func (r *Reconciler) applyProductEvent(_ uint64, ev remote.Event) {
	switch ev.Kind {
	case remote.EventInsert, remote.EventUpdate:
		var p domain.Product
		if err := json.Unmarshal(ev.New, &p); err != nil {
			log.Printf("[reconcile] dropping %s product event: %v", ev.Kind, err)
			return
		}
		if ev.Kind == remote.EventInsert {
			r.caches.upsertProduct(p)
		} else {
			r.caches.updateProduct(p)
		}
	case remote.EventDelete:
		r.caches.removeProduct(ev.OldID())
	}
}

func (r *Reconciler) applyExpenseEvent(_ uint64, ev remote.Event) {
	switch ev.Kind {
	case remote.EventInsert, remote.EventUpdate:
		var e domain.Expense
		if err := json.Unmarshal(ev.New, &e); err != nil {
			log.Printf("[reconcile] dropping %s expense event: %v", ev.Kind, err)
			return
		}
		if ev.Kind == remote.EventInsert {
			r.caches.upsertExpense(e)
		} else {
			r.caches.updateExpense(e)
		}
	case remote.EventDelete:
		r.caches.removeExpense(ev.OldID())
	}
}

// applyTransactionEvent folds a transaction change in. Because the cached
// shape needs the detail rows and the cashier name, inserts and updates
// trigger a secondary joined point read; if that read fails the event is
// dropped and logged, and the cache diverges until the next full seed.
func (r *Reconciler) applyTransactionEvent(gen uint64, ev remote.Event) {
	if ev.Kind == remote.EventDelete {
		r.caches.removeTransaction(ev.OldID())
		return
	}

	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(ev.New, &head); err != nil || head.ID == "" {
		log.Printf("[reconcile] dropping %s transaction event: no id (%v)", ev.Kind, err)
		return
	}

	raw, err := r.client.SelectOne(context.Background(), remote.TableTransactions, head.ID, remote.JoinDetails)
	if err != nil {
		log.Printf("[reconcile] dropping %s transaction event id=%s: %v", ev.Kind, head.ID, err)
		return
	}
	if r.generation.Load() != gen {
		// Logged out while the point read was in flight.
		return
	}

	var t domain.Transaction
	if err := json.Unmarshal(raw, &t); err != nil {
		log.Printf("[reconcile] dropping %s transaction event id=%s: %v", ev.Kind, head.ID, err)
		return
	}
	t.CashierName = cashierName(r.caches.Users(), t.CashierID)
	if ev.Kind == remote.EventInsert {
		r.caches.upsertTransaction(t)
	} else {
		r.caches.updateTransaction(t)
	}
}

func cashierName(users []domain.User, cashierID string) string {
	for _, u := range users {
		if u.ID == cashierID {
			return u.Name
		}
	}
	return "Unknown"
}

func selectInto[T any](ctx context.Context, client remote.Client, table string, orderBy string) ([]T, error) {
	rows, err := client.Select(ctx, table, orderBy)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	out := make([]T, 0, len(rows))
	for _, raw := range rows {
		var item T
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, fmt.Errorf("decode %s row: %w", table, err)
		}
		out = append(out, item)
	}
	return out, nil
}
