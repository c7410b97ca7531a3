// Package memstore is an in-process implementation of the saga stores.
// Transactions are serialized and run on a copy of the data that replaces the
// committed state only when the transaction function succeeds.
package memstore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ariefcatur/saga-orders/internal/events"
	"github.com/ariefcatur/saga-orders/internal/inventory"
	"github.com/ariefcatur/saga-orders/internal/orders"
	"github.com/ariefcatur/saga-orders/internal/payments"
	"github.com/ariefcatur/saga-orders/internal/store"
)

type outboxRow struct {
	msg       store.OutboxMessage
	published bool
}

type state struct {
	products  map[int64]inventory.Product
	users     map[int64]payments.User
	orders    map[int64]orders.Order
	payments  map[int64]payments.Payment
	processed map[string]struct{}
	outbox    []outboxRow
	seq       map[string]int64
}

func (s *state) clone() *state {
	return &state{
		products:  maps.Clone(s.products),
		users:     maps.Clone(s.users),
		orders:    maps.Clone(s.orders),
		payments:  maps.Clone(s.payments),
		processed: maps.Clone(s.processed),
		outbox:    slices.Clone(s.outbox),
		seq:       maps.Clone(s.seq),
	}
}

func (s *state) nextID(table string) int64 {
	s.seq[table]++
	return s.seq[table]
}

type Store struct {
	mu   sync.Mutex
	data *state
	now  func() time.Time
}

func New() *Store {
	return &Store{
		data: &state{
			products:  make(map[int64]inventory.Product),
			users:     make(map[int64]payments.User),
			orders:    make(map[int64]orders.Order),
			payments:  make(map[int64]payments.Payment),
			processed: make(map[string]struct{}),
			seq:       make(map[string]int64),
		},
		now: time.Now,
	}
}

// SetClock replaces the time source used for row timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Store) inTx(ctx context.Context, fn func(*tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &tx{st: s.data.clone(), now: s.now}
	if err := fn(t); err != nil {
		return err
	}
	s.data = t.st
	return nil
}

func (s *Store) read(fn func(*state)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.data)
}

// Orders returns the order handlers' view of the store.
func (s *Store) Orders() orders.Store { return ordersView{s} }

// Payments returns the payment handlers' view of the store.
func (s *Store) Payments() payments.Store { return paymentsView{s} }

// Catalog

func (s *Store) CreateProduct(ctx context.Context, p inventory.Product) (inventory.Product, error) {
	err := s.inTx(ctx, func(t *tx) error {
		for _, existing := range t.st.products {
			if strings.EqualFold(existing.Name, p.Name) {
				return store.ErrDuplicate
			}
		}
		now := t.now().UTC()
		p.ID = t.st.nextID("products")
		p.CreatedAt, p.UpdatedAt = now, now
		t.st.products[p.ID] = p
		return nil
	})
	return p, err
}

func (s *Store) ListProducts(ctx context.Context) ([]inventory.Product, error) {
	var out []inventory.Product
	s.read(func(st *state) { out = sortedByID(st.products) })
	return out, nil
}

func (s *Store) GetProduct(ctx context.Context, id int64) (inventory.Product, error) {
	var (
		p  inventory.Product
		ok bool
	)
	s.read(func(st *state) { p, ok = st.products[id] })
	if !ok {
		return inventory.Product{}, store.ErrNotFound
	}
	return p, nil
}

// Outbox

func (s *Store) PublishDue(ctx context.Context, now time.Time, limit int, publish func(context.Context, store.OutboxMessage) error) (int, error) {
	var due []store.OutboxMessage
	s.read(func(st *state) {
		for _, row := range st.outbox {
			if row.published || row.msg.AvailableAt.After(now) {
				continue
			}
			due = append(due, row.msg)
			if len(due) == limit {
				break
			}
		}
	})

	sent := make(map[int64]bool, len(due))
	var pubErr error
	for _, msg := range due {
		if err := publish(ctx, msg); err != nil {
			pubErr = err
			break
		}
		sent[msg.ID] = true
	}

	s.mu.Lock()
	for i := range s.data.outbox {
		if sent[s.data.outbox[i].msg.ID] {
			s.data.outbox[i].published = true
		}
	}
	// Compact the published prefix.
	n := 0
	for n < len(s.data.outbox) && s.data.outbox[n].published {
		n++
	}
	s.data.outbox = s.data.outbox[n:]
	s.mu.Unlock()

	return len(sent), pubErr
}

// PendingOutbox returns the number of staged events not yet published.
func (s *Store) PendingOutbox() int {
	n := 0
	s.read(func(st *state) {
		for _, row := range st.outbox {
			if !row.published {
				n++
			}
		}
	})
	return n
}

// NextAvailable returns the earliest availability of a pending outbox event.
func (s *Store) NextAvailable() (time.Time, bool) {
	var (
		next  time.Time
		found bool
	)
	s.read(func(st *state) {
		for _, row := range st.outbox {
			if row.published {
				continue
			}
			if !found || row.msg.AvailableAt.Before(next) {
				next, found = row.msg.AvailableAt, true
			}
		}
	})
	return next, found
}

// Snapshot reads, for assertions and diagnostics.

func (s *Store) Product(id int64) (inventory.Product, bool) {
	var (
		p  inventory.Product
		ok bool
	)
	s.read(func(st *state) { p, ok = st.products[id] })
	return p, ok
}

func (s *Store) User(id int64) (payments.User, bool) {
	var (
		u  payments.User
		ok bool
	)
	s.read(func(st *state) { u, ok = st.users[id] })
	return u, ok
}

func (s *Store) Order(id int64) (orders.Order, bool) {
	var (
		o  orders.Order
		ok bool
	)
	s.read(func(st *state) { o, ok = st.orders[id] })
	return o, ok
}

func (s *Store) Payment(orderID int64) (payments.Payment, bool) {
	var (
		p  payments.Payment
		ok bool
	)
	s.read(func(st *state) { p, ok = st.payments[orderID] })
	return p, ok
}

func sortedByID[T any](m map[int64]T) []T {
	keys := slices.Sorted(maps.Keys(m))
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

// tx implements orders.Tx and payments.Tx on a private copy of the state.
type tx struct {
	st  *state
	now func() time.Time
}

func (t *tx) MarkProcessed(ctx context.Context, consumer, eventID string) (bool, error) {
	key := consumer + "\x00" + eventID
	if _, ok := t.st.processed[key]; ok {
		return false, nil
	}
	t.st.processed[key] = struct{}{}
	return true, nil
}

func (t *tx) Emit(ctx context.Context, ev events.Event, availableAt time.Time) error {
	queue, err := events.QueueFor(ev.Status)
	if err != nil {
		return err
	}
	t.st.outbox = append(t.st.outbox, outboxRow{msg: store.OutboxMessage{
		ID:          t.st.nextID("outbox"),
		Queue:       queue,
		Event:       ev,
		AvailableAt: availableAt,
	}})
	return nil
}

func (t *tx) ProductForUpdate(ctx context.Context, id int64) (inventory.Product, error) {
	return t.Product(ctx, id)
}

func (t *tx) Product(ctx context.Context, id int64) (inventory.Product, error) {
	p, ok := t.st.products[id]
	if !ok {
		return inventory.Product{}, store.ErrNotFound
	}
	return p, nil
}

func (t *tx) SetQuantity(ctx context.Context, id int64, quantity int) error {
	p, ok := t.st.products[id]
	if !ok {
		return store.ErrNotFound
	}
	if quantity < 0 {
		return fmt.Errorf("product %d: negative quantity %d", id, quantity)
	}
	p.Quantity = quantity
	p.UpdatedAt = t.now().UTC()
	t.st.products[id] = p
	return nil
}

func (t *tx) OrderForUpdate(ctx context.Context, id int64) (orders.Order, error) {
	return t.Order(ctx, id)
}

func (t *tx) Order(ctx context.Context, id int64) (orders.Order, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return orders.Order{}, store.ErrNotFound
	}
	return o, nil
}

func (t *tx) InsertOrder(ctx context.Context, o orders.Order) (orders.Order, error) {
	o.ID = t.st.nextID("orders")
	t.st.orders[o.ID] = o
	return o, nil
}

func (t *tx) UpdateOrder(ctx context.Context, o orders.Order) error {
	if _, ok := t.st.orders[o.ID]; !ok {
		return store.ErrNotFound
	}
	t.st.orders[o.ID] = o
	return nil
}

func (t *tx) StaleOrders(ctx context.Context, before time.Time, limit int) ([]orders.Order, error) {
	var out []orders.Order
	for _, o := range sortedByID(t.st.orders) {
		if o.Status.Pending() && o.UpdatedAt.Before(before) {
			out = append(out, o)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (t *tx) PaymentSucceeded(ctx context.Context, orderID int64) (bool, error) {
	p, ok := t.st.payments[orderID]
	return ok && p.Status == payments.StatusSuccess, nil
}

func (t *tx) UserExists(ctx context.Context, userID int64) (bool, error) {
	_, ok := t.st.users[userID]
	return ok, nil
}

func (t *tx) ProductExists(ctx context.Context, productID int64) (bool, error) {
	_, ok := t.st.products[productID]
	return ok, nil
}

func (t *tx) PaymentForUpdate(ctx context.Context, orderID int64) (payments.Payment, error) {
	p, ok := t.st.payments[orderID]
	if !ok {
		return payments.Payment{}, store.ErrNotFound
	}
	return p, nil
}

func (t *tx) InsertPayment(ctx context.Context, p payments.Payment) error {
	if _, ok := t.st.payments[p.OrderID]; ok {
		return store.ErrDuplicate
	}
	t.st.payments[p.OrderID] = p
	return nil
}

func (t *tx) UpdatePayment(ctx context.Context, p payments.Payment) error {
	if _, ok := t.st.payments[p.OrderID]; !ok {
		return store.ErrNotFound
	}
	t.st.payments[p.OrderID] = p
	return nil
}

func (t *tx) UserForUpdate(ctx context.Context, id int64) (payments.User, error) {
	u, ok := t.st.users[id]
	if !ok {
		return payments.User{}, store.ErrNotFound
	}
	return u, nil
}

func (t *tx) SetWallet(ctx context.Context, userID, cents int64) error {
	u, ok := t.st.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	if cents < 0 {
		return fmt.Errorf("user %d: negative wallet %d", userID, cents)
	}
	u.WalletCents = cents
	t.st.users[userID] = u
	return nil
}

type ordersView struct{ s *Store }

func (v ordersView) InTx(ctx context.Context, fn func(orders.Tx) error) error {
	return v.s.inTx(ctx, func(t *tx) error { return fn(t) })
}

func (v ordersView) ListOrders(ctx context.Context) ([]orders.Order, error) {
	var out []orders.Order
	v.s.read(func(st *state) { out = sortedByID(st.orders) })
	return out, nil
}

func (v ordersView) GetOrder(ctx context.Context, id int64) (orders.Order, error) {
	o, ok := v.s.Order(id)
	if !ok {
		return orders.Order{}, store.ErrNotFound
	}
	return o, nil
}

type paymentsView struct{ s *Store }

func (v paymentsView) InTx(ctx context.Context, fn func(payments.Tx) error) error {
	return v.s.inTx(ctx, func(t *tx) error { return fn(t) })
}

func (v paymentsView) GetPayment(ctx context.Context, orderID int64) (payments.Payment, error) {
	p, ok := v.s.Payment(orderID)
	if !ok {
		return payments.Payment{}, store.ErrNotFound
	}
	return p, nil
}

func (v paymentsView) CreateUser(ctx context.Context, u payments.User) (payments.User, error) {
	err := v.s.inTx(ctx, func(t *tx) error {
		u.ID = t.st.nextID("users")
		u.CreatedAt = t.now().UTC()
		t.st.users[u.ID] = u
		return nil
	})
	return u, err
}

func (v paymentsView) GetUser(ctx context.Context, id int64) (payments.User, error) {
	u, ok := v.s.User(id)
	if !ok {
		return payments.User{}, store.ErrNotFound
	}
	return u, nil
}
