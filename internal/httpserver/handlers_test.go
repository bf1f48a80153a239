package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/tigerfans/server/internal/accounting"
	"github.com/tigerfans/server/internal/config"
	apperrors "github.com/tigerfans/server/internal/errors"
	"github.com/tigerfans/server/internal/metrics"
	"github.com/tigerfans/server/internal/payment"
	"github.com/tigerfans/server/internal/paysession"
	"github.com/tigerfans/server/internal/storage"
)

const testSecret = "testsecret"

// ---- fakes ----

type fakeHold struct {
	resource string
	qty      int64
	status   string
	expires  time.Time
	timed    bool
}

// fakeLedger enforces the capacity invariant in memory.
type fakeLedger struct {
	mu      sync.Mutex
	caps    accounting.Capacities
	holds   map[string]*fakeHold
	nextID  int
	voidErr error
}

func newFakeLedger(caps accounting.Capacities) *fakeLedger {
	return &fakeLedger{caps: caps, holds: map[string]*fakeHold{}}
}

func (f *fakeLedger) capacity(resource string) int64 {
	switch resource {
	case accounting.ResClassA:
		return f.caps.ClassA
	case accounting.ResClassB:
		return f.caps.ClassB
	default:
		return f.caps.Goodie
	}
}

func (f *fakeLedger) available(resource string) int64 {
	avail := f.capacity(resource)
	now := time.Now()
	for _, h := range f.holds {
		if h.resource != resource {
			continue
		}
		switch h.status {
		case "posted":
			avail -= h.qty
		case "pending":
			if !h.timed || h.expires.After(now) {
				avail -= h.qty
			}
		}
	}
	return avail
}

func (f *fakeLedger) place(resource string, qty int64, status string, ttl time.Duration) string {
	if f.available(resource) < qty {
		return accounting.ZeroID
	}
	f.nextID++
	id := fmt.Sprintf("%d", f.nextID)
	h := &fakeHold{resource: resource, qty: qty, status: status}
	if ttl > 0 {
		h.timed = true
		h.expires = time.Now().Add(ttl)
	}
	f.holds[id] = h
	return id
}

func (f *fakeLedger) resourceFor(class string) string {
	if class == accounting.ClassB {
		return accounting.ResClassB
	}
	return accounting.ResClassA
}

func (f *fakeLedger) Setup(ctx context.Context) error { return nil }

func (f *fakeLedger) HoldPair(ctx context.Context, class string, qty int64, ttl time.Duration) (accounting.PairHold, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ticketID := f.place(f.resourceFor(class), qty, "pending", ttl)
	goodieID := f.place(accounting.ResGoodie, 1, "pending", ttl)
	return accounting.PairHold{
		TicketID:  ticketID,
		GoodieID:  goodieID,
		HasTicket: ticketID != accounting.ZeroID,
		HasGoodie: goodieID != accounting.ZeroID,
	}, nil
}

func (f *fakeLedger) BookPair(ctx context.Context, class string, qty int64) (accounting.PairHold, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ticketID := f.place(f.resourceFor(class), qty, "posted", 0)
	goodieID := f.place(accounting.ResGoodie, 1, "posted", 0)
	return accounting.PairHold{
		TicketID:  ticketID,
		GoodieID:  goodieID,
		HasTicket: ticketID != accounting.ZeroID,
		HasGoodie: goodieID != accounting.ZeroID,
	}, nil
}

func (f *fakeLedger) post(id string) bool {
	h, ok := f.holds[id]
	if !ok || h.status != "pending" {
		return false
	}
	if h.timed && !h.expires.After(time.Now()) {
		return false
	}
	h.status = "posted"
	return true
}

func (f *fakeLedger) CommitPair(ctx context.Context, ticketID, goodieID, class string, qty int64, tryGoodie bool) (bool, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gotTicket := f.post(ticketID)
	gotGoodie := false
	if tryGoodie {
		gotGoodie = f.post(goodieID)
	}
	return gotTicket, gotGoodie, nil
}

func (f *fakeLedger) void(id string) {
	if h, ok := f.holds[id]; ok && h.status == "pending" {
		h.status = "voided"
	}
}

func (f *fakeLedger) VoidPair(ctx context.Context, ticketID, goodieID, class string, qty int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.voidErr != nil {
		return f.voidErr
	}
	f.void(ticketID)
	f.void(goodieID)
	return nil
}

func (f *fakeLedger) VoidGoodie(ctx context.Context, goodieID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.void(goodieID)
	return nil
}

func (f *fakeLedger) Inventory(ctx context.Context) (map[string]accounting.Inventory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]accounting.Inventory{}
	for _, entry := range []struct {
		class    string
		resource string
	}{
		{accounting.ClassA, accounting.ResClassA},
		{accounting.ClassB, accounting.ResClassB},
	} {
		capacity := f.capacity(entry.resource)
		available := f.available(entry.resource)
		out[entry.class] = accounting.Inventory{
			Capacity:  capacity,
			Available: available,
			SoldOut:   available <= 0,
			Timestamp: time.Now().UTC(),
		}
	}
	return out, nil
}

func (f *fakeLedger) CountGoodies(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, h := range f.holds {
		if h.resource == accounting.ResGoodie && h.status == "posted" {
			n += h.qty
		}
	}
	return n, nil
}

// expireHold forces a hold past its deadline.
func (f *fakeLedger) expireHold(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.holds[id]; ok {
		h.timed = true
		h.expires = time.Now().Add(-time.Second)
	}
}

func (f *fakeLedger) holdStatus(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.holds[id]; ok {
		return h.status
	}
	return ""
}

// fakeSessionStore is an in-memory paysession.Store.
type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[string]paysession.Session
	pending  map[string]bool
	gates    map[string]bool
	events   map[string]bool
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{
		sessions: map[string]paysession.Session{},
		pending:  map[string]bool{},
		gates:    map[string]bool{},
		events:   map[string]bool{},
	}
}

func (f *fakeSessionStore) Save(ctx context.Context, psid string, s paysession.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[psid] = s
	f.pending[psid] = true
	return nil
}

func (f *fakeSessionStore) Get(ctx context.Context, psid string) (paysession.Session, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[psid]
	return s, ok, nil
}

func (f *fakeSessionStore) RemovePending(ctx context.Context, psid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, psid)
	delete(f.sessions, psid)
	return nil
}

func (f *fakeSessionStore) FulfillAndMarkEvent(ctx context.Context, psid, eventID string) (paysession.FulfillResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gates[psid] {
		return paysession.FulfillResult{AlreadyFulfilled: true}, nil
	}
	f.gates[psid] = true
	if eventID == "" {
		return paysession.FulfillResult{}, nil
	}
	seen := f.events[eventID]
	f.events[eventID] = true
	return paysession.FulfillResult{EventSeen: &seen}, nil
}

func (f *fakeSessionStore) RecentPending(ctx context.Context, limit int) (int64, []paysession.PendingItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := []paysession.PendingItem{}
	for psid := range f.pending {
		s := f.sessions[psid]
		items = append(items, paysession.PendingItem{PSID: psid, OrderID: s.OrderID, Status: "PENDING"})
	}
	return int64(len(f.pending)), items, nil
}

// fakeOrderStore is an in-memory storage.Store with duplicate detection.
type fakeOrderStore struct {
	mu     sync.Mutex
	orders map[string]storage.Order
	byRef  map[string]bool
}

func newFakeOrderStore() *fakeOrderStore {
	return &fakeOrderStore{orders: map[string]storage.Order{}, byRef: map[string]bool{}}
}

func (f *fakeOrderStore) InsertOrder(ctx context.Context, o storage.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.orders[o.ID]; ok {
		return storage.ErrDuplicate
	}
	if f.byRef[o.TicketRef] {
		return storage.ErrDuplicate
	}
	f.orders[o.ID] = o
	f.byRef[o.TicketRef] = true
	return nil
}

func (f *fakeOrderStore) GetOrder(ctx context.Context, id string) (storage.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return storage.Order{}, storage.ErrNotFound
	}
	return o, nil
}

func (f *fakeOrderStore) ListRecent(ctx context.Context, limit int) ([]storage.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.Order, 0, len(f.orders))
	for _, o := range f.orders {
		out = append(out, o)
	}
	return out, nil
}

// ---- harness ----

type testEnv struct {
	server   *Server
	ledger   *fakeLedger
	sessions *fakeSessionStore
	orders   *fakeOrderStore
	mockpay  *payment.MockPay
}

func newTestEnv(t *testing.T, caps accounting.Capacities) *testEnv {
	t.Helper()

	cfg := &config.Config{}
	cfg.Server.Address = ":0"
	cfg.Tickets.PriceA = 6500
	cfg.Tickets.PriceB = 3500
	cfg.Tickets.Currency = "eur"
	cfg.Tickets.GoodieLimit = caps.Goodie
	cfg.Sessions.ReservationTTL = config.Duration{Duration: 5 * time.Minute}
	cfg.Admin.Username = "admin"
	cfg.Admin.Password = "supasecret"

	ledger := newFakeLedger(caps)
	sessions := newFakeSessionStore()
	orders := newFakeOrderStore()
	mockPay := payment.NewMockPay(testSecret, "")

	m := metrics.New(prometheus.NewRegistry())
	srv := New(cfg, ledger, sessions, orders, mockPay, mockPay, m, zerolog.Nop())

	return &testEnv{
		server:   srv,
		ledger:   ledger,
		sessions: sessions,
		orders:   orders,
		mockpay:  mockPay,
	}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.server.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) checkout(t *testing.T, class, email string) (int, checkoutResponse) {
	t.Helper()
	body, _ := json.Marshal(checkoutRequest{Class: class, CustomerEmail: email})
	req := httptest.NewRequest("POST", "/api/checkout", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := e.do(req)

	var resp checkoutResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	return rec.Code, resp
}

func (e *testEnv) webhook(t *testing.T, kind, psid, orderID, eventID string) (int, map[string]interface{}) {
	t.Helper()
	payload, _ := json.Marshal(payment.MockEvent{
		Type:             "payment." + kind,
		PaymentSessionID: psid,
		OrderID:          orderID,
		IdempotencyKey:   eventID,
	})
	req := httptest.NewRequest("POST", "/payments/webhook", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(payment.SignatureHeader, e.mockpay.Sign(payload))
	rec := e.do(req)

	var resp map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	return rec.Code, resp
}

// psidFromRedirect extracts the psid from /mockpay/{psid}.
func psidFromRedirect(t *testing.T, redirectURL string) string {
	t.Helper()
	const prefix = "/mockpay/"
	if !strings.HasPrefix(redirectURL, prefix) {
		t.Fatalf("unexpected redirect url %q", redirectURL)
	}
	return strings.TrimPrefix(redirectURL, prefix)
}

// ---- tests ----

func TestCheckout_ReservesAndOpensSession(t *testing.T) {
	env := newTestEnv(t, accounting.Capacities{ClassA: 10, ClassB: 10, Goodie: 10})

	code, resp := env.checkout(t, "A", "alice@example.com")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if resp.OrderID == "" || resp.Amount != 6500 || resp.Currency != "eur" {
		t.Errorf("unexpected response: %+v", resp)
	}
	psid := psidFromRedirect(t, resp.RedirectURL)

	s, found, _ := env.sessions.Get(context.Background(), psid)
	if !found {
		t.Fatal("session not saved")
	}
	if s.OrderID != resp.OrderID || !s.TryGoodie || s.TicketRef == accounting.ZeroID {
		t.Errorf("unexpected session: %+v", s)
	}
}

func TestCheckout_Validation(t *testing.T) {
	env := newTestEnv(t, accounting.Capacities{ClassA: 10, ClassB: 10, Goodie: 10})

	tests := []struct {
		name  string
		class string
		email string
	}{
		{"bad email", "A", "not-an-email"},
		{"empty email", "A", ""},
		{"bad class", "C", "alice@example.com"},
		{"empty class", "", "alice@example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := env.checkout(t, tt.class, tt.email)
			if code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", code)
			}
		})
	}

	// Validation failures must not consume capacity.
	if avail := env.ledger.available(accounting.ResClassA); avail != 10 {
		t.Errorf("expected untouched capacity 10, got %d", avail)
	}
}

func TestCheckout_SoldOut(t *testing.T) {
	env := newTestEnv(t, accounting.Capacities{ClassA: 1, ClassB: 1, Goodie: 10})

	if code, _ := env.checkout(t, "A", "first@example.com"); code != http.StatusOK {
		t.Fatalf("first checkout: expected 200, got %d", code)
	}

	code, _ := env.checkout(t, "A", "second@example.com")
	if code != http.StatusConflict {
		t.Fatalf("expected 409 when sold out, got %d", code)
	}

	// The loser's goodie hold must have been released, not left to expire.
	if avail := env.ledger.available(accounting.ResGoodie); avail != 9 {
		t.Errorf("expected 9 goodies available after void, got %d", avail)
	}
}

func TestWebhook_SucceededFulfillsOrder(t *testing.T) {
	env := newTestEnv(t, accounting.Capacities{ClassA: 5, ClassB: 5, Goodie: 5})

	_, resp := env.checkout(t, "A", "alice@example.com")
	psid := psidFromRedirect(t, resp.RedirectURL)

	code, body := env.webhook(t, "succeeded", psid, resp.OrderID, "evt_1")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if body["order_status"] != storage.StatusPaid {
		t.Errorf("expected PAID, got %v", body["order_status"])
	}

	order, err := env.orders.GetOrder(context.Background(), resp.OrderID)
	if err != nil {
		t.Fatalf("order not persisted: %v", err)
	}
	if order.Status != storage.StatusPaid || !order.GotGoodie {
		t.Errorf("unexpected order: %+v", order)
	}
	if !strings.HasPrefix(order.TicketCode, "TCK-") || len(order.TicketCode) != 14 {
		t.Errorf("unexpected ticket code %q", order.TicketCode)
	}

	// Pending entry cleaned up.
	if _, found, _ := env.sessions.Get(context.Background(), psid); found {
		t.Error("session should be removed after fulfillment")
	}

	// Capacity stays consumed.
	if avail := env.ledger.available(accounting.ResClassA); avail != 4 {
		t.Errorf("expected 4 available, got %d", avail)
	}
}

func TestWebhook_DuplicateDeliveryIsIdempotent(t *testing.T) {
	env := newTestEnv(t, accounting.Capacities{ClassA: 5, ClassB: 5, Goodie: 5})

	_, resp := env.checkout(t, "A", "alice@example.com")
	psid := psidFromRedirect(t, resp.RedirectURL)

	if code, _ := env.webhook(t, "succeeded", psid, resp.OrderID, "evt_1"); code != http.StatusOK {
		t.Fatalf("first delivery: expected 200, got %d", code)
	}

	// Session hash is gone after fulfillment, so the replay 404s; the
	// provider stops retrying on 4xx.
	code, _ := env.webhook(t, "succeeded", psid, resp.OrderID, "evt_1")
	if code != http.StatusNotFound {
		t.Fatalf("replay after cleanup: expected 404, got %d", code)
	}

	orders, _ := env.orders.ListRecent(context.Background(), 10)
	if len(orders) != 1 {
		t.Errorf("expected exactly 1 order, got %d", len(orders))
	}
}

func TestWebhook_GateBlocksConcurrentReplay(t *testing.T) {
	env := newTestEnv(t, accounting.Capacities{ClassA: 5, ClassB: 5, Goodie: 5})

	_, resp := env.checkout(t, "A", "alice@example.com")
	psid := psidFromRedirect(t, resp.RedirectURL)

	// Claim the gate as a concurrent first delivery would.
	env.sessions.FulfillAndMarkEvent(context.Background(), psid, "evt_0")

	code, body := env.webhook(t, "succeeded", psid, resp.OrderID, "evt_1")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if body["idempotent"] != true {
		t.Errorf("expected idempotent short-circuit, got %v", body)
	}
	if len(env.orders.orders) != 0 {
		t.Error("gated replay must not write an order")
	}
}

func TestWebhook_FailedVoidsReservation(t *testing.T) {
	env := newTestEnv(t, accounting.Capacities{ClassA: 1, ClassB: 1, Goodie: 1})

	_, resp := env.checkout(t, "A", "alice@example.com")
	psid := psidFromRedirect(t, resp.RedirectURL)

	s, _, _ := env.sessions.Get(context.Background(), psid)

	code, body := env.webhook(t, "failed", psid, resp.OrderID, "evt_1")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if body["order_status"] != storage.StatusFailed {
		t.Errorf("expected FAILED, got %v", body["order_status"])
	}

	if got := env.ledger.holdStatus(s.TicketRef); got != "voided" {
		t.Errorf("ticket hold should be voided, got %q", got)
	}

	// Capacity released: the next buyer gets the ticket.
	if code, _ := env.checkout(t, "A", "bob@example.com"); code != http.StatusOK {
		t.Errorf("expected capacity back after void, got %d", code)
	}

	if len(env.orders.orders) != 0 {
		t.Error("failed payment must not write an order")
	}
}

func TestWebhook_CanceledVoidsReservation(t *testing.T) {
	env := newTestEnv(t, accounting.Capacities{ClassA: 1, ClassB: 1, Goodie: 1})

	_, resp := env.checkout(t, "A", "alice@example.com")
	psid := psidFromRedirect(t, resp.RedirectURL)

	code, body := env.webhook(t, "canceled", psid, resp.OrderID, "evt_1")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if body["order_status"] != storage.StatusCanceled {
		t.Errorf("expected CANCELED, got %v", body["order_status"])
	}
}

func TestWebhook_LateSuccessBooksDirectly(t *testing.T) {
	env := newTestEnv(t, accounting.Capacities{ClassA: 5, ClassB: 5, Goodie: 5})

	_, resp := env.checkout(t, "A", "alice@example.com")
	psid := psidFromRedirect(t, resp.RedirectURL)

	s, _, _ := env.sessions.Get(context.Background(), psid)
	env.ledger.expireHold(s.TicketRef)
	env.ledger.expireHold(s.GoodieRef)

	code, body := env.webhook(t, "succeeded", psid, resp.OrderID, "evt_1")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if body["order_status"] != storage.StatusPaid {
		t.Errorf("expected PAID via direct booking, got %v", body["order_status"])
	}

	order, err := env.orders.GetOrder(context.Background(), resp.OrderID)
	if err != nil {
		t.Fatalf("order not persisted: %v", err)
	}
	if order.TicketRef == s.TicketRef {
		t.Error("order should reference the direct booking, not the expired hold")
	}
}

func TestWebhook_LateSuccessSoldOutIsPaidUnfulfilled(t *testing.T) {
	env := newTestEnv(t, accounting.Capacities{ClassA: 1, ClassB: 1, Goodie: 1})

	_, resp := env.checkout(t, "A", "alice@example.com")
	psid := psidFromRedirect(t, resp.RedirectURL)

	s, _, _ := env.sessions.Get(context.Background(), psid)
	env.ledger.expireHold(s.TicketRef)
	env.ledger.expireHold(s.GoodieRef)

	// Someone else takes the last ticket before the late webhook.
	if _, err := env.ledger.BookPair(context.Background(), "A", 1); err != nil {
		t.Fatal(err)
	}

	code, body := env.webhook(t, "succeeded", psid, resp.OrderID, "evt_1")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if body["order_status"] != storage.StatusPaidUnfulfilled {
		t.Errorf("expected PAID_UNFULFILLED, got %v", body["order_status"])
	}

	order, _ := env.orders.GetOrder(context.Background(), resp.OrderID)
	if order.TicketCode != "" {
		t.Errorf("unfulfilled order must not carry a ticket code, got %q", order.TicketCode)
	}
}

func TestWebhook_GoodieGrantedToExactlyOneOrder(t *testing.T) {
	env := newTestEnv(t, accounting.Capacities{ClassA: 1, ClassB: 1, Goodie: 1})

	_, respA := env.checkout(t, "A", "alice@example.com")
	_, respB := env.checkout(t, "B", "bob@example.com")
	psidA := psidFromRedirect(t, respA.RedirectURL)
	psidB := psidFromRedirect(t, respB.RedirectURL)

	if code, _ := env.webhook(t, "succeeded", psidA, respA.OrderID, "evt_a"); code != http.StatusOK {
		t.Fatalf("first webhook: expected 200, got %d", code)
	}
	if code, _ := env.webhook(t, "succeeded", psidB, respB.OrderID, "evt_b"); code != http.StatusOK {
		t.Fatalf("second webhook: expected 200, got %d", code)
	}

	orderA, _ := env.orders.GetOrder(context.Background(), respA.OrderID)
	orderB, _ := env.orders.GetOrder(context.Background(), respB.OrderID)
	if orderA.Status != storage.StatusPaid || orderB.Status != storage.StatusPaid {
		t.Fatalf("expected both PAID, got %q and %q", orderA.Status, orderB.Status)
	}

	goodies := 0
	for _, o := range []storage.Order{orderA, orderB} {
		if o.GotGoodie {
			goodies++
		}
	}
	if goodies != 1 {
		t.Errorf("expected exactly one order with a goodie, got %d", goodies)
	}
	if used, _ := env.ledger.CountGoodies(context.Background()); used != 1 {
		t.Errorf("expected 1 goodie posted, got %d", used)
	}
}

func TestWebhook_OrdersWithoutGoodiesBothPersist(t *testing.T) {
	env := newTestEnv(t, accounting.Capacities{ClassA: 5, ClassB: 5, Goodie: 0})

	_, first := env.checkout(t, "A", "alice@example.com")
	_, second := env.checkout(t, "A", "bob@example.com")

	for i, resp := range []checkoutResponse{first, second} {
		psid := psidFromRedirect(t, resp.RedirectURL)
		code, body := env.webhook(t, "succeeded", psid, resp.OrderID, fmt.Sprintf("evt_%d", i))
		if code != http.StatusOK {
			t.Fatalf("webhook %d: expected 200, got %d", i, code)
		}
		if body["order_status"] != storage.StatusPaid {
			t.Fatalf("webhook %d: expected PAID, got %v", i, body["order_status"])
		}
	}

	// Both orders carry the absent-goodie sentinel; neither write may be
	// mistaken for a duplicate of the other.
	for _, resp := range []checkoutResponse{first, second} {
		order, err := env.orders.GetOrder(context.Background(), resp.OrderID)
		if err != nil {
			t.Fatalf("order %s not persisted: %v", resp.OrderID, err)
		}
		if order.GoodieRef != accounting.ZeroID || order.GotGoodie {
			t.Errorf("unexpected goodie state: %+v", order)
		}
	}
}

func TestWebhook_UnknownKindLeavesGateUnclaimed(t *testing.T) {
	env := newTestEnv(t, accounting.Capacities{ClassA: 5, ClassB: 5, Goodie: 5})

	_, resp := env.checkout(t, "A", "alice@example.com")
	psid := psidFromRedirect(t, resp.RedirectURL)

	code, _ := env.webhook(t, "refunded", psid, resp.OrderID, "evt_1")
	if code != http.StatusBadRequest {
		t.Fatalf("unknown kind: expected 400, got %d", code)
	}

	// The rejected delivery must not have claimed the fulfillment gate.
	code, body := env.webhook(t, "succeeded", psid, resp.OrderID, "evt_2")
	if code != http.StatusOK {
		t.Fatalf("valid delivery after rejection: expected 200, got %d", code)
	}
	if body["order_status"] != storage.StatusPaid {
		t.Errorf("expected PAID, got %v", body["order_status"])
	}
}

func TestWebhook_VoidFailureReturnsRetryableError(t *testing.T) {
	env := newTestEnv(t, accounting.Capacities{ClassA: 5, ClassB: 5, Goodie: 5})

	_, resp := env.checkout(t, "A", "alice@example.com")
	psid := psidFromRedirect(t, resp.RedirectURL)

	env.ledger.voidErr = apperrors.New(apperrors.ErrCodeLedgerError, "cluster unavailable")

	code, _ := env.webhook(t, "failed", psid, resp.OrderID, "evt_1")
	if code != http.StatusBadGateway {
		t.Fatalf("void failure: expected 502, got %d", code)
	}
	if len(env.orders.orders) != 0 {
		t.Error("failed void must not write an order")
	}
}

func TestWebhook_BadSignature(t *testing.T) {
	env := newTestEnv(t, accounting.Capacities{ClassA: 5, ClassB: 5, Goodie: 5})

	payload := []byte(`{"type":"payment.succeeded","payment_session_id":"mock_x"}`)
	req := httptest.NewRequest("POST", "/payments/webhook", bytes.NewReader(payload))
	req.Header.Set(payment.SignatureHeader, "bm90LXZhbGlk")
	rec := env.do(req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestWebhook_UnknownSession(t *testing.T) {
	env := newTestEnv(t, accounting.Capacities{ClassA: 5, ClassB: 5, Goodie: 5})

	code, _ := env.webhook(t, "succeeded", "mock_missing", "", "evt_1")
	if code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
}

func TestGetOrder_PollsUntilWebhookLands(t *testing.T) {
	env := newTestEnv(t, accounting.Capacities{ClassA: 5, ClassB: 5, Goodie: 5})

	_, resp := env.checkout(t, "B", "bob@example.com")
	psid := psidFromRedirect(t, resp.RedirectURL)

	req := httptest.NewRequest("GET", "/api/orders/"+resp.OrderID, nil)
	if rec := env.do(req); rec.Code != http.StatusNotFound {
		t.Fatalf("before webhook: expected 404, got %d", rec.Code)
	}

	env.webhook(t, "succeeded", psid, resp.OrderID, "evt_1")

	rec := env.do(httptest.NewRequest("GET", "/api/orders/"+resp.OrderID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("after webhook: expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != storage.StatusPaid || body["cls"] != "B" {
		t.Errorf("unexpected order body: %v", body)
	}
	if body["amount"] != float64(3500) {
		t.Errorf("expected class B amount 3500, got %v", body["amount"])
	}
}

func TestInventoryEndpoint(t *testing.T) {
	env := newTestEnv(t, accounting.Capacities{ClassA: 3, ClassB: 2, Goodie: 5})

	env.checkout(t, "A", "alice@example.com")

	rec := env.do(httptest.NewRequest("GET", "/api/inventory", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var inv map[string]accounting.Inventory
	if err := json.Unmarshal(rec.Body.Bytes(), &inv); err != nil {
		t.Fatalf("decode inventory: %v", err)
	}
	if inv["A"].Available != 2 {
		t.Errorf("expected A available 2, got %d", inv["A"].Available)
	}
	if inv["B"].Available != 2 {
		t.Errorf("expected B available 2, got %d", inv["B"].Available)
	}
}

func TestPendingEndpoint(t *testing.T) {
	env := newTestEnv(t, accounting.Capacities{ClassA: 5, ClassB: 5, Goodie: 5})

	env.checkout(t, "A", "alice@example.com")
	env.checkout(t, "B", "bob@example.com")

	rec := env.do(httptest.NewRequest("GET", "/api/pending?limit=10", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Total int64                    `json:"total"`
		Items []map[string]interface{} `json:"items"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Total != 2 || len(body.Items) != 2 {
		t.Errorf("expected 2 pending sessions, got total=%d items=%d", body.Total, len(body.Items))
	}
}

func TestAdminEndpoints_RequireAuth(t *testing.T) {
	env := newTestEnv(t, accounting.Capacities{ClassA: 5, ClassB: 5, Goodie: 5})

	for _, path := range []string{"/api/admin/goodies", "/api/admin/orders"} {
		rec := env.do(httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s without auth: expected 401, got %d", path, rec.Code)
		}

		req := httptest.NewRequest("GET", path, nil)
		req.SetBasicAuth("admin", "wrong")
		if rec := env.do(req); rec.Code != http.StatusUnauthorized {
			t.Errorf("%s with bad password: expected 401, got %d", path, rec.Code)
		}

		req = httptest.NewRequest("GET", path, nil)
		req.SetBasicAuth("admin", "supasecret")
		if rec := env.do(req); rec.Code != http.StatusOK {
			t.Errorf("%s with auth: expected 200, got %d", path, rec.Code)
		}
	}
}

func TestAdminGoodies_CountsPostedOnly(t *testing.T) {
	env := newTestEnv(t, accounting.Capacities{ClassA: 5, ClassB: 5, Goodie: 5})

	_, resp := env.checkout(t, "A", "alice@example.com")
	psid := psidFromRedirect(t, resp.RedirectURL)

	req := httptest.NewRequest("GET", "/api/admin/goodies", nil)
	req.SetBasicAuth("admin", "supasecret")
	rec := env.do(req)
	var body map[string]int64
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["used"] != 0 {
		t.Errorf("pending goodie must not count as used, got %d", body["used"])
	}

	env.webhook(t, "succeeded", psid, resp.OrderID, "evt_1")

	req = httptest.NewRequest("GET", "/api/admin/goodies", nil)
	req.SetBasicAuth("admin", "supasecret")
	rec = env.do(req)
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["used"] != 1 || body["limit"] != 5 {
		t.Errorf("expected used=1 limit=5, got %v", body)
	}
}

func TestMockpayScreenAndEmit(t *testing.T) {
	env := newTestEnv(t, accounting.Capacities{ClassA: 5, ClassB: 5, Goodie: 5})

	_, resp := env.checkout(t, "A", "alice@example.com")
	psid := psidFromRedirect(t, resp.RedirectURL)

	rec := env.do(httptest.NewRequest("GET", "/mockpay/"+psid, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("screen: expected 200, got %d", rec.Code)
	}
	var screen map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &screen)
	if screen["order_id"] != resp.OrderID || screen["amount_eur"] != "65.00" {
		t.Errorf("unexpected screen data: %v", screen)
	}

	rec = env.do(httptest.NewRequest("GET", "/mockpay/mock_missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing session: expected 404, got %d", rec.Code)
	}

	// Invalid outcome kind.
	req := httptest.NewRequest("POST", "/mockpay/"+psid+"/emit", strings.NewReader("t=exploded"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if rec := env.do(req); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid kind: expected 400, got %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, accounting.Capacities{ClassA: 1, ClassB: 1, Goodie: 1})

	rec := env.do(httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
