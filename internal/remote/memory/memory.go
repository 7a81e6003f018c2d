// Package memory is an in-process implementation of the remote store
// contract: JSON rows in mutex-guarded maps, change events fanned out over
// channels, and bcrypt-verified password auth. It backs all tests and the
// dev mode of cmd/pos.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"naladrink/pos/internal/domain"
	"naladrink/pos/internal/remote"
	"naladrink/pos/internal/xid"
)

const eventBuffer = 256

type account struct {
	userID       string
	email        string
	passwordHash string
}

type Store struct {
	mu       sync.RWMutex
	tables   map[string]map[string]json.RawMessage
	accounts map[string]account
	secret   []byte
	tokenTTL time.Duration

	session     *remote.Session
	authSubs    map[int]remote.AuthChangeFunc
	nextAuthSub int

	subs    map[string]map[int]*subscription
	nextSub int
}

func New(authSecret string, tokenTTL time.Duration) *Store {
	if authSecret == "" {
		authSecret = "dev-change-me"
	}
	return &Store{
		tables:   make(map[string]map[string]json.RawMessage),
		accounts: make(map[string]account),
		secret:   []byte(authSecret),
		tokenTTL: tokenTTL,
		authSubs: make(map[int]remote.AuthChangeFunc),
		subs:     make(map[string]map[int]*subscription),
	}
}

// NewSeeded returns a store pre-populated with the demo catalog and two
// accounts. Credentials come from SEED_ADMIN_PASSWORD and
// SEED_CASHIER_PASSWORD; hardcoded dev defaults are used with a warning if
// unset.
func NewSeeded(authSecret string, tokenTTL time.Duration) *Store {
	s := New(authSecret, tokenTTL)

	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "kasir123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	s.MustSeedUser(domain.User{ID: xid.New(), Name: "Naila", Role: domain.RoleAdmin, CreatedAt: now}, "admin@naladrink.id", adminPwd)
	s.MustSeedUser(domain.User{ID: xid.New(), Name: "Kasir Pagi", Role: domain.RoleKasir, CreatedAt: now}, "kasir@naladrink.id", cashierPwd)

	for _, p := range []domain.Product{
		{Name: "Es Teh Manis", Size: domain.SizeReguler, Price: 5000, Active: true},
		{Name: "Es Teh Manis", Size: domain.SizeJumbo, Price: 8000, Active: true},
		{Name: "Teh Tarik", Size: domain.SizeReguler, Price: 10000, Active: true},
		{Name: "Lemon Tea", Size: domain.SizeReguler, Price: 9000, Active: true},
		{Name: "Teh Melati", Size: domain.SizeLiteran, Price: 15000, Active: true},
		{Name: "Kopi Susu", Size: domain.SizeReguler, Price: 12000, Active: true},
	} {
		p.ID = xid.New()
		p.CreatedAt = now
		p.UpdatedAt = now
		s.mustSeedRow(remote.TableProducts, p.ID, p)
	}

	return s
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// MustSeedUser registers a users row together with its login credentials.
// It panics on a hash failure, which can only happen at construction time.
func (s *Store) MustSeedUser(user domain.User, email string, password string) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		panic(fmt.Sprintf("memory-store: hash seed password for %s: %v", email, err))
	}
	s.mustSeedRow(remote.TableUsers, user.ID, user)

	s.mu.Lock()
	s.accounts[strings.ToLower(email)] = account{
		userID:       user.ID,
		email:        strings.ToLower(email),
		passwordHash: string(hash),
	}
	s.mu.Unlock()
}

func (s *Store) mustSeedRow(table string, id string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("memory-store: marshal seed row for %s: %v", table, err))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tables[table] == nil {
		s.tables[table] = make(map[string]json.RawMessage)
	}
	s.tables[table][id] = raw
}

func (s *Store) Select(_ context.Context, table string, orderBy string) ([]json.RawMessage, error) {
	s.mu.RLock()
	rows := make([]map[string]any, 0, len(s.tables[table]))
	for _, raw := range s.tables[table] {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			s.mu.RUnlock()
			return nil, err
		}
		rows = append(rows, m)
	}
	detailsByTx := make(map[string][]map[string]any)
	if table == remote.TableTransactions {
		for _, detailRaw := range s.tables[remote.TableTransactionDetails] {
			var d map[string]any
			if err := json.Unmarshal(detailRaw, &d); err != nil {
				s.mu.RUnlock()
				return nil, err
			}
			txID, _ := d["transaction_id"].(string)
			detailsByTx[txID] = append(detailsByTx[txID], d)
		}
	}
	s.mu.RUnlock()

	// Transaction selects embed their detail rows, per the remote contract.
	if table == remote.TableTransactions {
		for _, row := range rows {
			id, _ := row["id"].(string)
			details := detailsByTx[id]
			sortRows(details, "id asc")
			if details == nil {
				details = []map[string]any{}
			}
			row["details"] = details
		}
	}

	sortRows(rows, orderBy)

	out := make([]json.RawMessage, 0, len(rows))
	for _, m := range rows {
		raw, err := json.Marshal(m)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

func (s *Store) SelectOne(_ context.Context, table string, id string, joinSpec string) (json.RawMessage, error) {
	s.mu.RLock()
	raw, ok := s.tables[table][id]
	s.mu.RUnlock()
	if !ok {
		return nil, remote.ErrNotFound
	}

	if table != remote.TableTransactions || joinSpec == "" {
		return raw, nil
	}

	// Embed the detail rows the way the managed backend's join select does.
	var tx map[string]any
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	details := make([]map[string]any, 0, 4)
	for _, detailRaw := range s.tables[remote.TableTransactionDetails] {
		var d map[string]any
		if err := json.Unmarshal(detailRaw, &d); err != nil {
			s.mu.RUnlock()
			return nil, err
		}
		if d["transaction_id"] == id {
			details = append(details, d)
		}
	}
	s.mu.RUnlock()

	sortRows(details, "id asc")
	tx["details"] = details
	return json.Marshal(tx)
}

// Insert stores a single row, or a batch when payload marshals to a JSON
// array. A batch is applied under one lock and either fully succeeds or
// leaves the table untouched.
func (s *Store) Insert(_ context.Context, table string, payload any) (json.RawMessage, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", remote.ErrInvalidPayload, err)
	}

	var rows []map[string]any
	batch := len(encoded) > 0 && encoded[0] == '['
	if batch {
		if err := json.Unmarshal(encoded, &rows); err != nil {
			return nil, fmt.Errorf("%w: %v", remote.ErrInvalidPayload, err)
		}
	} else {
		var row map[string]any
		if err := json.Unmarshal(encoded, &row); err != nil {
			return nil, fmt.Errorf("%w: %v", remote.ErrInvalidPayload, err)
		}
		rows = []map[string]any{row}
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	raws := make([]json.RawMessage, 0, len(rows))
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		id, _ := row["id"].(string)
		if id == "" {
			id = xid.New()
			row["id"] = id
		}
		// Entity structs always marshal created_at, so a missing key is not
		// enough; a zero time must also count as "caller did not set it".
		if isZeroTime(row["created_at"]) {
			row["created_at"] = now
		}
		if table == remote.TableProducts {
			row["updated_at"] = now
		}
		raw, err := json.Marshal(row)
		if err != nil {
			return nil, err
		}
		raws = append(raws, raw)
		ids = append(ids, id)
	}

	s.mu.Lock()
	if s.tables[table] == nil {
		s.tables[table] = make(map[string]json.RawMessage)
	}
	for _, id := range ids {
		if _, exists := s.tables[table][id]; exists {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: duplicate id %s", remote.ErrInvalidPayload, id)
		}
	}
	for i, id := range ids {
		s.tables[table][id] = raws[i]
	}
	s.mu.Unlock()

	for _, raw := range raws {
		s.publish(remote.Event{Kind: remote.EventInsert, Table: table, New: raw})
	}
	if batch {
		return json.Marshal(raws)
	}
	return raws[0], nil
}

func isZeroTime(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	if !ok {
		return false
	}
	return s == "" || strings.HasPrefix(s, "0001-01-01T")
}

func (s *Store) Update(_ context.Context, table string, id string, patch any) (json.RawMessage, error) {
	patchRow, err := toRow(patch)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", remote.ErrInvalidPayload, err)
	}

	s.mu.Lock()
	raw, ok := s.tables[table][id]
	if !ok {
		s.mu.Unlock()
		return nil, remote.ErrNotFound
	}
	var row map[string]any
	if err := json.Unmarshal(raw, &row); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	for key, value := range patchRow {
		if key == "id" || key == "created_at" {
			continue
		}
		row[key] = value
	}
	if table == remote.TableProducts {
		row["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	merged, err := json.Marshal(row)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.tables[table][id] = merged
	s.mu.Unlock()

	s.publish(remote.Event{Kind: remote.EventUpdate, Table: table, New: merged, Old: raw})
	return merged, nil
}

func (s *Store) Delete(_ context.Context, table string, id string) error {
	s.mu.Lock()
	old, ok := s.tables[table][id]
	if !ok {
		s.mu.Unlock()
		return remote.ErrNotFound
	}
	delete(s.tables[table], id)
	s.mu.Unlock()

	s.publish(remote.Event{Kind: remote.EventDelete, Table: table, Old: old})
	return nil
}

type subscription struct {
	store *Store
	table string
	id    int
	ch    chan remote.Event
	once  sync.Once
}

func (sub *subscription) Events() <-chan remote.Event {
	return sub.ch
}

func (sub *subscription) Close() {
	sub.once.Do(func() {
		sub.store.mu.Lock()
		delete(sub.store.subs[sub.table], sub.id)
		sub.store.mu.Unlock()
		close(sub.ch)
	})
}

func (s *Store) Subscribe(_ context.Context, table string) (remote.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subs[table] == nil {
		s.subs[table] = make(map[int]*subscription)
	}
	s.nextSub++
	sub := &subscription{
		store: s,
		table: table,
		id:    s.nextSub,
		ch:    make(chan remote.Event, eventBuffer),
	}
	s.subs[table][sub.id] = sub
	return sub, nil
}

func (s *Store) publish(ev remote.Event) {
	s.mu.RLock()
	targets := make([]*subscription, 0, len(s.subs[ev.Table]))
	for _, sub := range s.subs[ev.Table] {
		targets = append(targets, sub)
	}
	s.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.ch <- ev:
		default:
			log.Printf("[memory-store] dropping %s event for %s: subscriber backlog full", ev.Kind, ev.Table)
		}
	}
}

func (s *Store) GetSession(_ context.Context) (*remote.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil || time.Now().UTC().After(s.session.ExpiresAt) {
		return nil, nil
	}
	session := *s.session
	return &session, nil
}

func (s *Store) SignInWithPassword(_ context.Context, email string, password string) (*remote.Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	s.mu.RLock()
	acct, ok := s.accounts[email]
	s.mu.RUnlock()
	if !ok {
		return nil, remote.ErrUnauthorized
	}
	if bcrypt.CompareHashAndPassword([]byte(acct.passwordHash), []byte(password)) != nil {
		return nil, remote.ErrUnauthorized
	}

	token, expiresAt, err := remote.SignAccessToken(s.secret, acct.userID, acct.email, s.tokenTTL)
	if err != nil {
		return nil, err
	}

	session := &remote.Session{
		UserID:      acct.userID,
		Email:       acct.email,
		AccessToken: token,
		ExpiresAt:   expiresAt,
	}

	s.mu.Lock()
	s.session = session
	s.mu.Unlock()

	s.notifyAuth(session)
	copied := *session
	return &copied, nil
}

func (s *Store) SignOut(_ context.Context) error {
	s.mu.Lock()
	s.session = nil
	s.mu.Unlock()

	s.notifyAuth(nil)
	return nil
}

func (s *Store) OnAuthStateChange(fn remote.AuthChangeFunc) func() {
	s.mu.Lock()
	s.nextAuthSub++
	id := s.nextAuthSub
	s.authSubs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.authSubs, id)
		s.mu.Unlock()
	}
}

func (s *Store) notifyAuth(session *remote.Session) {
	s.mu.RLock()
	fns := make([]remote.AuthChangeFunc, 0, len(s.authSubs))
	for _, fn := range s.authSubs {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		var copied *remote.Session
		if session != nil {
			c := *session
			copied = &c
		}
		fn(copied)
	}
}

func toRow(payload any) (map[string]any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var row map[string]any
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, err
	}
	return row, nil
}

// sortRows orders rows by a clause like "name asc" or "date desc". Sort keys
// in this system are strings or RFC3339 timestamps, so a lexicographic
// comparison is stable and correct.
func sortRows(rows []map[string]any, orderBy string) {
	key, desc := parseOrderBy(orderBy)
	if key == "" {
		return
	}
	slices.SortStableFunc(rows, func(a, b map[string]any) int {
		av := fmt.Sprint(a[key])
		bv := fmt.Sprint(b[key])
		cmp := strings.Compare(av, bv)
		if desc {
			return -cmp
		}
		return cmp
	})
}

func parseOrderBy(orderBy string) (string, bool) {
	fields := strings.Fields(strings.TrimSpace(orderBy))
	if len(fields) == 0 {
		return "", false
	}
	desc := len(fields) > 1 && strings.EqualFold(fields[1], "desc")
	return fields[0], desc
}
