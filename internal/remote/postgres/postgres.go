// Package postgres implements the remote store contract against PostgreSQL,
// with change events fanned out over Redis pub/sub so that every connected
// terminal converges on the same cache state. One pub/sub channel per table.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"naladrink/pos/internal/domain"
	"naladrink/pos/internal/remote"
	"naladrink/pos/internal/xid"
)

const channelPrefix = "naladrink:changes:"

type Config struct {
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	AuthSecret    string
	TokenTTL      time.Duration
}

type Store struct {
	db       *sql.DB
	rdb      *redis.Client
	secret   []byte
	tokenTTL time.Duration

	mu          sync.RWMutex
	session     *remote.Session
	authSubs    map[int]remote.AuthChangeFunc
	nextAuthSub int
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = db.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("redis unavailable: %w", err)
	}

	secret := cfg.AuthSecret
	if secret == "" {
		secret = "dev-change-me"
	}

	return &Store{
		db:       db,
		rdb:      rdb,
		secret:   []byte(secret),
		tokenTTL: cfg.TokenTTL,
		authSubs: make(map[int]remote.AuthChangeFunc),
	}, nil
}

func (s *Store) Close() error {
	err := s.db.Close()
	if rerr := s.rdb.Close(); err == nil {
		err = rerr
	}
	return err
}

// orderClause whitelists the stable sort keys the reconciler uses. Anything
// else is rejected rather than interpolated into SQL.
func orderClause(orderBy string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(orderBy)) {
	case "", "id asc":
		return "id ASC", nil
	case "name asc":
		return "name ASC", nil
	case "date desc":
		return "date DESC", nil
	default:
		return "", fmt.Errorf("unsupported order %q", orderBy)
	}
}

func (s *Store) Select(ctx context.Context, table string, orderBy string) ([]json.RawMessage, error) {
	order, err := orderClause(orderBy)
	if err != nil {
		return nil, err
	}

	switch table {
	case remote.TableUsers:
		rows, err := s.db.QueryContext(ctx, `SELECT id, name, role, created_at FROM users ORDER BY `+order)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		return collect(rows, scanUser)
	case remote.TableProducts:
		rows, err := s.db.QueryContext(ctx, `SELECT id, name, size, price, is_active, image_url, created_at, updated_at FROM products ORDER BY `+order)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		return collect(rows, scanProduct)
	case remote.TableExpenses:
		rows, err := s.db.QueryContext(ctx, `SELECT id, date, description, category, amount, created_at FROM expenses ORDER BY `+order)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		return collect(rows, scanExpense)
	case remote.TableTransactions:
		return s.selectTransactions(ctx, order)
	default:
		return nil, fmt.Errorf("unknown table %q", table)
	}
}

func (s *Store) selectTransactions(ctx context.Context, order string) ([]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_code, date, cashier_id, total, payment_method, amount_received, change, notes
		FROM transactions
		ORDER BY `+order)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := make([]domain.Transaction, 0, 128)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	detailRows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, product_id, quantity, unit_price, subtotal
		FROM transaction_details
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer detailRows.Close()

	detailsByTx := make(map[string][]domain.TransactionDetail)
	for detailRows.Next() {
		var d domain.TransactionDetail
		if err := detailRows.Scan(&d.ID, &d.TransactionID, &d.ProductID, &d.Quantity, &d.UnitPrice, &d.Subtotal); err != nil {
			return nil, err
		}
		detailsByTx[d.TransactionID] = append(detailsByTx[d.TransactionID], d)
	}
	if err := detailRows.Err(); err != nil {
		return nil, err
	}

	out := make([]json.RawMessage, 0, len(transactions))
	for i := range transactions {
		transactions[i].Details = detailsByTx[transactions[i].ID]
		raw, err := json.Marshal(transactions[i])
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

func (s *Store) SelectOne(ctx context.Context, table string, id string, joinSpec string) (json.RawMessage, error) {
	switch table {
	case remote.TableUsers:
		row := s.db.QueryRowContext(ctx, `SELECT id, name, role, created_at FROM users WHERE id = $1`, id)
		var u domain.User
		if err := row.Scan(&u.ID, &u.Name, &u.Role, &u.CreatedAt); err != nil {
			return nil, mapScanErr(err)
		}
		return json.Marshal(u)
	case remote.TableProducts:
		row := s.db.QueryRowContext(ctx, `SELECT id, name, size, price, is_active, image_url, created_at, updated_at FROM products WHERE id = $1`, id)
		p, err := scanProductRow(row)
		if err != nil {
			return nil, mapScanErr(err)
		}
		return json.Marshal(p)
	case remote.TableExpenses:
		row := s.db.QueryRowContext(ctx, `SELECT id, date, description, category, amount, created_at FROM expenses WHERE id = $1`, id)
		var e domain.Expense
		if err := row.Scan(&e.ID, &e.Date, &e.Description, &e.Category, &e.Amount, &e.CreatedAt); err != nil {
			return nil, mapScanErr(err)
		}
		return json.Marshal(e)
	case remote.TableTransactions:
		return s.selectOneTransaction(ctx, id, joinSpec != "")
	default:
		return nil, fmt.Errorf("unknown table %q", table)
	}
}

func (s *Store) selectOneTransaction(ctx context.Context, id string, withDetails bool) (json.RawMessage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, transaction_code, date, cashier_id, total, payment_method, amount_received, change, notes
		FROM transactions
		WHERE id = $1`, id)
	t, err := scanTransaction(row)
	if err != nil {
		return nil, mapScanErr(err)
	}

	if withDetails {
		detailRows, err := s.db.QueryContext(ctx, `
			SELECT id, transaction_id, product_id, quantity, unit_price, subtotal
			FROM transaction_details
			WHERE transaction_id = $1
			ORDER BY id`, id)
		if err != nil {
			return nil, err
		}
		defer detailRows.Close()
		for detailRows.Next() {
			var d domain.TransactionDetail
			if err := detailRows.Scan(&d.ID, &d.TransactionID, &d.ProductID, &d.Quantity, &d.UnitPrice, &d.Subtotal); err != nil {
				return nil, err
			}
			t.Details = append(t.Details, d)
		}
		if err := detailRows.Err(); err != nil {
			return nil, err
		}
	}
	return json.Marshal(t)
}

func (s *Store) Insert(ctx context.Context, table string, payload any) (json.RawMessage, error) {
	switch table {
	case remote.TableProducts:
		var p domain.Product
		if err := decodePayload(payload, &p); err != nil {
			return nil, err
		}
		if p.ID == "" {
			p.ID = xid.New()
		}
		now := time.Now().UTC()
		p.CreatedAt, p.UpdatedAt = now, now
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO products (id, name, size, price, is_active, image_url, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, p.ID, p.Name, p.Size, p.Price, p.Active, p.ImageURL, p.CreatedAt, p.UpdatedAt)
		if err != nil {
			return nil, err
		}
		return s.published(ctx, table, remote.EventInsert, p, nil)
	case remote.TableExpenses:
		var e domain.Expense
		if err := decodePayload(payload, &e); err != nil {
			return nil, err
		}
		if e.ID == "" {
			e.ID = xid.New()
		}
		e.CreatedAt = time.Now().UTC()
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO expenses (id, date, description, category, amount, created_at)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, e.ID, e.Date, e.Description, e.Category, e.Amount, e.CreatedAt)
		if err != nil {
			return nil, err
		}
		return s.published(ctx, table, remote.EventInsert, e, nil)
	case remote.TableTransactions:
		var t domain.Transaction
		if err := decodePayload(payload, &t); err != nil {
			return nil, err
		}
		if t.ID == "" {
			t.ID = xid.New()
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO transactions (id, transaction_code, date, cashier_id, total, payment_method, amount_received, change, notes)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, t.ID, t.Code, t.Date, t.CashierID, t.Total, t.PaymentMethod, t.AmountReceived, t.Change, t.Notes)
		if err != nil {
			return nil, err
		}
		t.Details = nil
		return s.published(ctx, table, remote.EventInsert, t, nil)
	case remote.TableTransactionDetails:
		return s.insertDetails(ctx, payload)
	default:
		return nil, fmt.Errorf("unknown table %q", table)
	}
}

// insertDetails writes a checkout's line items in one database transaction.
func (s *Store) insertDetails(ctx context.Context, payload any) (json.RawMessage, error) {
	var details []domain.TransactionDetail
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", remote.ErrInvalidPayload, err)
	}
	if len(raw) > 0 && raw[0] == '[' {
		err = json.Unmarshal(raw, &details)
	} else {
		var d domain.TransactionDetail
		if err = json.Unmarshal(raw, &d); err == nil {
			details = []domain.TransactionDetail{d}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", remote.ErrInvalidPayload, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	for i := range details {
		if details[i].ID == "" {
			details[i].ID = xid.New()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO transaction_details (id, transaction_id, product_id, quantity, unit_price, subtotal)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, details[i].ID, details[i].TransactionID, details[i].ProductID, details[i].Quantity, details[i].UnitPrice, details[i].Subtotal)
		if err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	for _, d := range details {
		s.publish(ctx, remote.TableTransactionDetails, remote.EventInsert, d, nil)
	}
	return json.Marshal(details)
}

func (s *Store) Update(ctx context.Context, table string, id string, patch any) (json.RawMessage, error) {
	patchRow, err := decodePatch(patch)
	if err != nil {
		return nil, err
	}

	columns, ok := patchableColumns[table]
	if !ok {
		return nil, fmt.Errorf("unknown table %q", table)
	}

	sets := make([]string, 0, len(patchRow))
	args := []any{id}
	for key, value := range patchRow {
		if !columns[key] {
			continue
		}
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", key, len(args)))
	}
	if len(sets) == 0 {
		return nil, fmt.Errorf("%w: empty patch", remote.ErrInvalidPayload)
	}
	if table == remote.TableProducts {
		sets = append(sets, "updated_at = now()")
	}

	oldRaw, err := s.SelectOne(ctx, table, id, "")
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET %s WHERE id = $1`, table, strings.Join(sets, ", ")), args...)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, remote.ErrNotFound
	}

	newRaw, err := s.SelectOne(ctx, table, id, "")
	if err != nil {
		return nil, err
	}
	s.publishRaw(ctx, table, remote.Event{Kind: remote.EventUpdate, Table: table, New: newRaw, Old: oldRaw})
	return newRaw, nil
}

var patchableColumns = map[string]map[string]bool{
	remote.TableProducts: {"name": true, "size": true, "price": true, "is_active": true, "image_url": true},
	remote.TableExpenses: {"description": true, "amount": true, "category": true, "date": true},
}

func (s *Store) Delete(ctx context.Context, table string, id string) error {
	switch table {
	case remote.TableProducts, remote.TableExpenses, remote.TableTransactions:
	default:
		return fmt.Errorf("unknown table %q", table)
	}

	oldRaw, err := s.SelectOne(ctx, table, id, "")
	if err != nil {
		return err
	}

	// Detail rows ride along with their transaction (ON DELETE CASCADE in
	// the schema), matching the managed backend's behavior.
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return remote.ErrNotFound
	}

	s.publishRaw(ctx, table, remote.Event{Kind: remote.EventDelete, Table: table, Old: oldRaw})
	return nil
}

func (s *Store) published(ctx context.Context, table string, kind remote.EventKind, row any, old any) (json.RawMessage, error) {
	raw, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, table, kind, row, old)
	return raw, nil
}

func (s *Store) publish(ctx context.Context, table string, kind remote.EventKind, row any, old any) {
	ev := remote.Event{Kind: kind, Table: table}
	if row != nil {
		ev.New, _ = json.Marshal(row)
	}
	if old != nil {
		ev.Old, _ = json.Marshal(old)
	}
	s.publishRaw(ctx, table, ev)
}

func (s *Store) publishRaw(ctx context.Context, table string, ev remote.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[pg-store] marshal %s event for %s: %v", ev.Kind, table, err)
		return
	}
	if err := s.rdb.Publish(ctx, channelPrefix+table, payload).Err(); err != nil {
		log.Printf("[pg-store] publish %s event for %s: %v", ev.Kind, table, err)
	}
}

type subscription struct {
	pubsub *redis.PubSub
	ch     chan remote.Event
	once   sync.Once
}

func (sub *subscription) Events() <-chan remote.Event {
	return sub.ch
}

func (sub *subscription) Close() {
	sub.once.Do(func() {
		_ = sub.pubsub.Close()
	})
}

func (s *Store) Subscribe(ctx context.Context, table string) (remote.Subscription, error) {
	pubsub := s.rdb.Subscribe(ctx, channelPrefix+table)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	sub := &subscription{pubsub: pubsub, ch: make(chan remote.Event, 256)}
	go func() {
		defer close(sub.ch)
		for msg := range pubsub.Channel() {
			var ev remote.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Printf("[pg-store] bad event on %s: %v", msg.Channel, err)
				continue
			}
			sub.ch <- ev
		}
	}()
	return sub, nil
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

func (s *Store) SignInWithPassword(ctx context.Context, email string, password string) (*remote.Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	var userID, hash string
	err := s.db.QueryRowContext(ctx, `SELECT user_id, password_hash FROM accounts WHERE email = $1`, email).Scan(&userID, &hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, remote.ErrUnauthorized
		}
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, remote.ErrUnauthorized
	}

	token, expiresAt, err := remote.SignAccessToken(s.secret, userID, email, s.tokenTTL)
	if err != nil {
		return nil, err
	}
	session := &remote.Session{UserID: userID, Email: email, AccessToken: token, ExpiresAt: expiresAt}

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

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(sc scanner) (json.RawMessage, error) {
	var u domain.User
	if err := sc.Scan(&u.ID, &u.Name, &u.Role, &u.CreatedAt); err != nil {
		return nil, err
	}
	return json.Marshal(u)
}

func scanProduct(sc scanner) (json.RawMessage, error) {
	p, err := scanProductRow(sc)
	if err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

func scanProductRow(sc scanner) (domain.Product, error) {
	var p domain.Product
	var imageURL sql.NullString
	if err := sc.Scan(&p.ID, &p.Name, &p.Size, &p.Price, &p.Active, &imageURL, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.Product{}, err
	}
	p.ImageURL = imageURL.String
	return p, nil
}

func scanExpense(sc scanner) (json.RawMessage, error) {
	var e domain.Expense
	if err := sc.Scan(&e.ID, &e.Date, &e.Description, &e.Category, &e.Amount, &e.CreatedAt); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

func scanTransaction(sc scanner) (domain.Transaction, error) {
	var t domain.Transaction
	var received, change sql.NullInt64
	var notes sql.NullString
	if err := sc.Scan(&t.ID, &t.Code, &t.Date, &t.CashierID, &t.Total, &t.PaymentMethod, &received, &change, &notes); err != nil {
		return domain.Transaction{}, err
	}
	t.AmountReceived = received.Int64
	t.Change = change.Int64
	t.Notes = notes.String
	return t, nil
}

func collect(rows *sql.Rows, scan func(scanner) (json.RawMessage, error)) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, 128)
	for rows.Next() {
		raw, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// decodePatch normalizes a patch to column values. Numbers decode as
// json.Number and integral values are bound as int64 so bigint columns accept
// them.
func decodePatch(patch any) (map[string]any, error) {
	raw, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", remote.ErrInvalidPayload, err)
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	row := map[string]any{}
	if err := dec.Decode(&row); err != nil {
		return nil, fmt.Errorf("%w: %v", remote.ErrInvalidPayload, err)
	}
	for key, value := range row {
		num, ok := value.(json.Number)
		if !ok {
			continue
		}
		if i, err := num.Int64(); err == nil {
			row[key] = i
		} else if f, err := num.Float64(); err == nil {
			row[key] = f
		}
	}
	return row, nil
}

func decodePayload(payload any, dest any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", remote.ErrInvalidPayload, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("%w: %v", remote.ErrInvalidPayload, err)
	}
	return nil
}

func mapScanErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return remote.ErrNotFound
	}
	return err
}
