package paysession

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/tigerfans/server/internal/errors"
)

const pendingIndex = "pendings"

func keySession(psid string) string { return "ps:" + psid }
func keyFulfill(psid string) string { return "fulfill:" + psid }
func keyIdemp(eventID string) string { return "idemp:" + eventID }

// RedisStore keeps sessions in Redis hashes with TTL, a sorted set as the
// pending index, and SET NX keys as gates.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a session store on an existing Redis client.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// Save writes the session hash, sets its TTL with slack past the
// reservation window, and indexes the psid by creation time.
func (r *RedisStore) Save(ctx context.Context, psid string, s Session) error {
	mapping := map[string]interface{}{
		"order_id":           s.OrderID,
		"cls":                s.Class,
		"qty":                strconv.FormatInt(s.Qty, 10),
		"customer_email":     s.CustomerEmail,
		"amount":             strconv.FormatInt(s.Amount, 10),
		"currency":           s.Currency,
		"try_goodie":         boolFlag(s.TryGoodie),
		"ticket_transfer_id": s.TicketRef,
		"goodie_transfer_id": s.GoodieRef,
		"created_at":         strconv.FormatFloat(s.CreatedAt, 'f', -1, 64),
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, keySession(psid), mapping)
	pipe.Expire(ctx, keySession(psid), r.ttl+60*time.Second)
	pipe.ZAdd(ctx, pendingIndex, redis.Z{Score: s.CreatedAt, Member: psid})
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeStoreError, "save payment session", err)
	}
	return nil
}

// Get fetches the session hash. A missing or expired hash comes back empty.
func (r *RedisStore) Get(ctx context.Context, psid string) (Session, bool, error) {
	h, err := r.client.HGetAll(ctx, keySession(psid)).Result()
	if err != nil {
		return Session{}, false, apperrors.Wrap(apperrors.ErrCodeStoreError, "get payment session", err)
	}
	if len(h) == 0 {
		return Session{}, false, nil
	}
	return sessionFromHash(h), true, nil
}

// RemovePending drops the psid from the live index and deletes the hash.
func (r *RedisStore) RemovePending(ctx context.Context, psid string) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, pendingIndex, psid)
	pipe.Del(ctx, keySession(psid))
	if _, err := pipe.Exec(ctx); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeStoreError, "remove pending session", err)
	}
	return nil
}

// FulfillAndMarkEvent claims the fulfillment gate (24h NX key); when newly
// claimed it also records the event idempotency key (1h NX key). An already
// claimed gate short-circuits without touching the idempotency key.
func (r *RedisStore) FulfillAndMarkEvent(ctx context.Context, psid, eventID string) (FulfillResult, error) {
	claimed, err := r.client.SetNX(ctx, keyFulfill(psid), "1", 24*time.Hour).Result()
	if err != nil {
		return FulfillResult{}, apperrors.Wrap(apperrors.ErrCodeStoreError, "fulfill gate", err)
	}
	if !claimed {
		return FulfillResult{AlreadyFulfilled: true}, nil
	}

	if eventID == "" {
		return FulfillResult{}, nil
	}

	fresh, err := r.client.SetNX(ctx, keyIdemp(eventID), "1", time.Hour).Result()
	if err != nil {
		return FulfillResult{}, apperrors.Wrap(apperrors.ErrCodeStoreError, "mark event seen", err)
	}
	seen := !fresh
	return FulfillResult{EventSeen: &seen}, nil
}

// RecentPending lists the newest pending sessions. Index entries whose hash
// already expired are removed as housekeeping.
func (r *RedisStore) RecentPending(ctx context.Context, limit int) (int64, []PendingItem, error) {
	if limit <= 0 {
		limit = 200
	}

	total, err := r.client.ZCard(ctx, pendingIndex).Result()
	if err != nil {
		return 0, nil, apperrors.Wrap(apperrors.ErrCodeStoreError, "count pending", err)
	}

	psids, err := r.client.ZRevRange(ctx, pendingIndex, 0, int64(limit-1)).Result()
	if err != nil {
		return 0, nil, apperrors.Wrap(apperrors.ErrCodeStoreError, "list pending", err)
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(psids))
	for i, psid := range psids {
		cmds[i] = pipe.HGetAll(ctx, keySession(psid))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, nil, apperrors.Wrap(apperrors.ErrCodeStoreError, "fetch pending sessions", err)
	}

	now := nowSeconds()
	items := make([]PendingItem, 0, len(psids))
	for i, psid := range psids {
		h, err := cmds[i].Result()
		if err != nil || len(h) == 0 {
			// Hash expired out from under the index.
			_ = r.RemovePending(ctx, psid)
			continue
		}
		s := sessionFromHash(h)
		items = append(items, pendingItem(psid, s, now))
	}
	return total, items, nil
}

func sessionFromHash(h map[string]string) Session {
	qty, _ := strconv.ParseInt(h["qty"], 10, 64)
	if qty == 0 {
		qty = 1
	}
	amount, _ := strconv.ParseInt(h["amount"], 10, 64)
	createdAt, _ := strconv.ParseFloat(h["created_at"], 64)
	return Session{
		OrderID:       h["order_id"],
		Class:         h["cls"],
		Qty:           qty,
		CustomerEmail: h["customer_email"],
		Amount:        amount,
		Currency:      h["currency"],
		TryGoodie:     h["try_goodie"] == "1",
		TicketRef:     h["ticket_transfer_id"],
		GoodieRef:     h["goodie_transfer_id"],
		CreatedAt:     createdAt,
	}
}

func pendingItem(psid string, s Session, now float64) PendingItem {
	age := now - s.CreatedAt
	if age < 0 {
		age = 0
	}
	currency := s.Currency
	if currency == "" {
		currency = "eur"
	}
	return PendingItem{
		PSID:      psid,
		CreatedAt: s.CreatedAt,
		AgeMS:     int64(age * 1000),
		OrderID:   s.OrderID,
		Class:     s.Class,
		Qty:       s.Qty,
		Email:     s.CustomerEmail,
		Amount:    s.Amount,
		Currency:  currency,
		TryGoodie: s.TryGoodie,
		Status:    "PENDING",
	}
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
