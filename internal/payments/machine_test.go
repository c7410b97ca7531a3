package payments

import (
	"context"
	"errors"
	"maps"
	"math"
	"slices"
	"testing"
	"time"

	"github.com/ariefcatur/saga-orders/internal/events"
	"github.com/ariefcatur/saga-orders/internal/inventory"
	"github.com/ariefcatur/saga-orders/internal/orders"
	"github.com/ariefcatur/saga-orders/internal/store"
)

type fakeTx struct {
	payments  map[int64]Payment
	users     map[int64]User
	orders    map[int64]orders.Order
	products  map[int64]inventory.Product
	processed map[string]bool
	outbox    []events.Event
}

func (f *fakeTx) clone() *fakeTx {
	return &fakeTx{
		payments:  maps.Clone(f.payments),
		users:     maps.Clone(f.users),
		orders:    maps.Clone(f.orders),
		products:  maps.Clone(f.products),
		processed: maps.Clone(f.processed),
		outbox:    slices.Clone(f.outbox),
	}
}

func (f *fakeTx) MarkProcessed(ctx context.Context, consumer, eventID string) (bool, error) {
	key := consumer + "/" + eventID
	if f.processed[key] {
		return false, nil
	}
	f.processed[key] = true
	return true, nil
}

func (f *fakeTx) Emit(ctx context.Context, ev events.Event, at time.Time) error {
	f.outbox = append(f.outbox, ev)
	return nil
}

func (f *fakeTx) PaymentForUpdate(ctx context.Context, orderID int64) (Payment, error) {
	p, ok := f.payments[orderID]
	if !ok {
		return Payment{}, store.ErrNotFound
	}
	return p, nil
}

func (f *fakeTx) InsertPayment(ctx context.Context, p Payment) error {
	if _, ok := f.payments[p.OrderID]; ok {
		return store.ErrDuplicate
	}
	f.payments[p.OrderID] = p
	return nil
}

func (f *fakeTx) UpdatePayment(ctx context.Context, p Payment) error {
	f.payments[p.OrderID] = p
	return nil
}

func (f *fakeTx) UserForUpdate(ctx context.Context, id int64) (User, error) {
	u, ok := f.users[id]
	if !ok {
		return User{}, store.ErrNotFound
	}
	return u, nil
}

func (f *fakeTx) SetWallet(ctx context.Context, id, cents int64) error {
	u := f.users[id]
	u.WalletCents = cents
	f.users[id] = u
	return nil
}

func (f *fakeTx) Order(ctx context.Context, id int64) (orders.Order, error) {
	o, ok := f.orders[id]
	if !ok {
		return orders.Order{}, store.ErrNotFound
	}
	return o, nil
}

func (f *fakeTx) Product(ctx context.Context, id int64) (inventory.Product, error) {
	p, ok := f.products[id]
	if !ok {
		return inventory.Product{}, store.ErrNotFound
	}
	return p, nil
}

type fakeStore struct {
	state *fakeTx
}

func (s *fakeStore) InTx(ctx context.Context, fn func(Tx) error) error {
	tx := s.state.clone()
	if err := fn(tx); err != nil {
		return err
	}
	s.state = tx
	return nil
}

func (s *fakeStore) GetPayment(ctx context.Context, orderID int64) (Payment, error) {
	p, ok := s.state.payments[orderID]
	if !ok {
		return Payment{}, store.ErrNotFound
	}
	return p, nil
}

func (s *fakeStore) CreateUser(ctx context.Context, u User) (User, error) {
	u.ID = int64(len(s.state.users) + 1)
	s.state.users[u.ID] = u
	return u, nil
}

func (s *fakeStore) GetUser(ctx context.Context, id int64) (User, error) {
	u, ok := s.state.users[id]
	if !ok {
		return User{}, store.ErrNotFound
	}
	return u, nil
}

// newFixture has order 1 for 2 x 1000 cents by user 1 holding wallet cents.
func newFixture(wallet int64, status orders.Status) (*Machine, *fakeStore) {
	fs := &fakeStore{state: &fakeTx{
		payments:  map[int64]Payment{},
		users:     map[int64]User{1: {ID: 1, Name: "ann", WalletCents: wallet}},
		orders:    map[int64]orders.Order{1: {ID: 1, ProductID: 1, UserID: 1, Quantity: 2, Status: status}},
		products:  map[int64]inventory.Product{1: {ID: 1, Name: "widget", Quantity: 5, PriceCents: 1000}},
		processed: map[string]bool{},
	}}
	return NewMachine(fs, "payments-test", nil), fs
}

func deliver(t *testing.T, m *Machine, kind events.Kind) {
	t.Helper()
	ev := events.New(context.Background(), kind, 1, "test")
	if err := m.Dispatcher().Handle(context.Background(), ev); err != nil {
		t.Fatalf("handle %s: %v", kind, err)
	}
}

func kinds(fs *fakeStore) []events.Kind {
	var out []events.Kind
	for _, ev := range fs.state.outbox {
		out = append(out, ev.Status)
	}
	return out
}

func TestProcessing_DebitsAndApproves(t *testing.T) {
	m, fs := newFixture(5000, orders.StatusCreated)

	deliver(t, m, events.PaymentProcessing)

	p := fs.state.payments[1]
	if p.Status != StatusSuccess || p.AmountCents != 2000 {
		t.Fatalf("unexpected payment %+v", p)
	}
	if got := fs.state.users[1].WalletCents; got != 3000 {
		t.Fatalf("expected wallet 3000, got %d", got)
	}
	if k := kinds(fs); !slices.Equal(k, []events.Kind{events.OrderApproved}) {
		t.Fatalf("expected order_approved, got %v", k)
	}

	deliver(t, m, events.PaymentProcessing)
	if fs.state.users[1].WalletCents != 3000 || len(fs.state.outbox) != 1 {
		t.Fatalf("duplicate processing must not debit twice")
	}
}

func TestProcessing_InsufficientFunds(t *testing.T) {
	m, fs := newFixture(1999, orders.StatusCreated)

	deliver(t, m, events.PaymentProcessing)

	if fs.state.payments[1].Status != StatusProcessing {
		t.Fatalf("payment should stay processing until refused, got %s", fs.state.payments[1].Status)
	}
	if fs.state.users[1].WalletCents != 1999 {
		t.Fatalf("wallet must not change")
	}
	if k := kinds(fs); !slices.Equal(k, []events.Kind{events.PaymentRefused}) {
		t.Fatalf("expected payment_refused, got %v", k)
	}

	deliver(t, m, events.PaymentRefused)
	if fs.state.payments[1].Status != StatusRefused {
		t.Fatalf("expected refused, got %s", fs.state.payments[1].Status)
	}
	if k := kinds(fs); !slices.Equal(k, []events.Kind{events.PaymentRefused, events.OrderFailed}) {
		t.Fatalf("expected order_failed after refusal, got %v", k)
	}
}

func TestProcessing_TotalOutOfRangeIsRefused(t *testing.T) {
	m, fs := newFixture(100, orders.StatusCreated)
	fs.state.products[1] = inventory.Product{ID: 1, Name: "widget", Quantity: 1_000_000, PriceCents: 10_000_000_000_000}
	o := fs.state.orders[1]
	o.Quantity = 1_000_000
	fs.state.orders[1] = o

	deliver(t, m, events.PaymentProcessing)

	if got := fs.state.users[1].WalletCents; got != 100 {
		t.Fatalf("wallet must not change, got %d", got)
	}
	p := fs.state.payments[1]
	if p.Status != StatusProcessing || p.AmountCents != 0 {
		t.Fatalf("unexpected payment %+v", p)
	}
	if len(fs.state.outbox) != 1 || fs.state.outbox[0].Status != events.PaymentRefused || fs.state.outbox[0].Reason != ReasonAmountOutOfRange {
		t.Fatalf("expected payment_refused for out of range amount, got %+v", fs.state.outbox)
	}

	deliver(t, m, events.PaymentRefused)
	if k := kinds(fs); !slices.Equal(k, []events.Kind{events.PaymentRefused, events.OrderFailed}) {
		t.Fatalf("expected order_failed after refusal, got %v", k)
	}
}

func TestOrderTotal(t *testing.T) {
	for _, tc := range []struct {
		price int64
		qty   int
		want  int64
		ok    bool
	}{
		{1000, 2, 2000, true},
		{math.MaxInt64, 1, math.MaxInt64, true},
		{math.MaxInt64 / 2, 2, math.MaxInt64 - 1, true},
		{math.MaxInt64/2 + 1, 2, 0, false},
		{10_000_000_000_000, 1_000_000, 0, false},
		{0, 1, 0, false},
		{-5, 1, 0, false},
		{1000, 0, 0, false},
	} {
		got, ok := orderTotal(tc.price, tc.qty)
		if got != tc.want || ok != tc.ok {
			t.Errorf("orderTotal(%d, %d) = %d, %v; want %d, %v", tc.price, tc.qty, got, ok, tc.want, tc.ok)
		}
	}
}

func TestProcessing_OrderNotPending(t *testing.T) {
	m, fs := newFixture(5000, orders.StatusFailed)
	deliver(t, m, events.PaymentProcessing)
	if fs.state.users[1].WalletCents != 5000 {
		t.Fatalf("wallet must not change for a settled order")
	}
	if k := kinds(fs); !slices.Equal(k, []events.Kind{events.PaymentRefused}) {
		t.Fatalf("expected payment_refused, got %v", k)
	}
}

func TestProcessing_UserMissing(t *testing.T) {
	m, fs := newFixture(5000, orders.StatusCreated)
	delete(fs.state.users, 1)

	deliver(t, m, events.PaymentProcessing)

	if fs.state.payments[1].Status != StatusFailed {
		t.Fatalf("expected failed payment, got %s", fs.state.payments[1].Status)
	}
	if k := kinds(fs); !slices.Equal(k, []events.Kind{events.OrderFailed}) {
		t.Fatalf("expected order_failed, got %v", k)
	}
}

func TestProcessing_OrderMissing(t *testing.T) {
	m, fs := newFixture(5000, orders.StatusCreated)
	delete(fs.state.orders, 1)
	deliver(t, m, events.PaymentProcessing)
	if len(fs.state.payments) != 0 || len(fs.state.outbox) != 0 {
		t.Fatalf("unknown order must be a no-op")
	}
}

func TestRefund_CreditsOnce(t *testing.T) {
	m, fs := newFixture(5000, orders.StatusCreated)
	deliver(t, m, events.PaymentProcessing)

	deliver(t, m, events.PaymentRefund)
	deliver(t, m, events.PaymentRefund)

	if fs.state.payments[1].Status != StatusRefund {
		t.Fatalf("expected refund, got %s", fs.state.payments[1].Status)
	}
	if got := fs.state.users[1].WalletCents; got != 5000 {
		t.Fatalf("expected wallet restored to 5000, got %d", got)
	}
}

func TestRefund_OverflowLeavesWalletUntouched(t *testing.T) {
	m, fs := newFixture(5000, orders.StatusCreated)
	deliver(t, m, events.PaymentProcessing)
	u := fs.state.users[1]
	u.WalletCents = math.MaxInt64 - 1
	fs.state.users[1] = u

	ev := events.New(context.Background(), events.PaymentRefund, 1, "test")
	err := m.Dispatcher().Handle(context.Background(), ev)
	if !errors.Is(err, ErrWalletOverflow) {
		t.Fatalf("expected wallet overflow, got %v", err)
	}
	if fs.state.payments[1].Status != StatusSuccess || fs.state.users[1].WalletCents != math.MaxInt64-1 {
		t.Fatalf("failed refund must roll back, payment %+v wallet %d", fs.state.payments[1], fs.state.users[1].WalletCents)
	}
}

func TestRefund_WithoutSuccessIsRejected(t *testing.T) {
	m, fs := newFixture(5000, orders.StatusCreated)
	deliver(t, m, events.PaymentRefund)
	if len(fs.state.payments) != 0 || fs.state.users[1].WalletCents != 5000 {
		t.Fatalf("refund without payment must be a no-op")
	}
}

func TestCanTransition(t *testing.T) {
	if !CanTransition(StatusProcessing, StatusSuccess) || !CanTransition(StatusSuccess, StatusRefund) {
		t.Fatalf("expected forward transitions allowed")
	}
	for _, from := range []Status{StatusRefused, StatusFailed, StatusRefund} {
		if CanTransition(from, StatusSuccess) || CanTransition(from, StatusRefund) {
			t.Fatalf("%s must be terminal", from)
		}
	}
	if CanTransition(StatusProcessing, StatusRefund) {
		t.Fatalf("processing payment cannot be refunded")
	}
}

func TestService(t *testing.T) {
	_, fs := newFixture(0, orders.StatusCreated)
	svc := NewService(fs)
	ctx := context.Background()

	u, err := svc.CreateUser(ctx, " bob ", 700)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if u.Name != "bob" || u.WalletCents != 700 {
		t.Fatalf("unexpected user %+v", u)
	}
	if _, err := svc.CreateUser(ctx, "", 1); !errors.Is(err, ErrInvalidUser) {
		t.Fatalf("expected invalid user, got %v", err)
	}
	if _, err := svc.CreateUser(ctx, "x", -1); !errors.Is(err, ErrInvalidUser) {
		t.Fatalf("expected invalid user, got %v", err)
	}
	if _, err := svc.GetUser(ctx, 42); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected user not found, got %v", err)
	}
	if _, err := svc.Get(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected payment not found, got %v", err)
	}
}
