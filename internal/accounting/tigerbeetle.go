package accounting

import (
	"context"
	"fmt"
	"math/big"
	"time"

	tb "github.com/tigerbeetle/tigerbeetle-go"
	"github.com/tigerbeetle/tigerbeetle-go/pkg/types"

	apperrors "github.com/tigerfans/server/internal/errors"
)

// Ledger layout. Each resource gets an operator/budget/spent account
// triple: setup debits the operator to fund the budget, and every sale
// debits the budget into spent. The budget accounts carry
// DEBITS_MUST_NOT_EXCEED_CREDITS, which is what makes overselling
// impossible at the cluster rather than in application code.
const (
	ledgerTickets = 2000
	transferCode  = 20
	setupCode     = 1

	acctGoodieOperator = 2110
	acctGoodieBudget   = 2115
	acctGoodieSpent    = 2119

	acctClassAOperator = 2120
	acctClassABudget   = 2125
	acctClassASpent    = 2129

	acctClassBGoodieOperator = 2210
	acctClassBGoodieBudget   = 2215
	acctClassBGoodieSpent    = 2219

	acctClassBOperator = 2220
	acctClassBBudget   = 2225
	acctClassBSpent    = 2229
)

// TigerBeetle is the Ledger backed by a TigerBeetle cluster. All transfer
// traffic funnels through a LiveBatcher so concurrent requests share
// network round trips.
type TigerBeetle struct {
	client  tb.Client
	batcher *LiveBatcher
	caps    Capacities
}

// NewTigerBeetle wraps an existing cluster client. observer may be nil.
func NewTigerBeetle(client tb.Client, caps Capacities, observer BatchObserver) *TigerBeetle {
	return &TigerBeetle{
		client:  client,
		batcher: NewLiveBatcher(client, observer),
		caps:    caps,
	}
}

// Flush drains the transfer batcher. Called during shutdown.
func (t *TigerBeetle) Flush(ctx context.Context) error {
	return t.batcher.Flush(ctx)
}

// classAccounts returns the (budget, spent) account pair for a ticket class.
func classAccounts(class string) (uint64, uint64, error) {
	switch class {
	case ClassA:
		return acctClassABudget, acctClassASpent, nil
	case ClassB:
		return acctClassBBudget, acctClassBSpent, nil
	default:
		return 0, 0, apperrors.New(apperrors.ErrCodeInvalidClass, "unknown ticket class "+class)
	}
}

// Setup creates the account plan and funds the budget accounts. Re-running
// against an initialized cluster is a no-op: existing accounts are detected
// and the funding transfers are skipped.
func (t *TigerBeetle) Setup(ctx context.Context) error {
	budgetFlags := types.AccountFlags{DebitsMustNotExceedCredits: true}.ToUint16()

	mkAccount := func(id uint64, flags uint16) types.Account {
		return types.Account{
			ID:     types.ToUint128(id),
			Ledger: ledgerTickets,
			Code:   transferCode,
			Flags:  flags,
		}
	}

	accounts := []types.Account{
		mkAccount(acctGoodieOperator, 0),
		mkAccount(acctGoodieSpent, 0),
		mkAccount(acctGoodieBudget, budgetFlags),
		mkAccount(acctClassAOperator, 0),
		mkAccount(acctClassASpent, 0),
		mkAccount(acctClassABudget, budgetFlags),
		mkAccount(acctClassBGoodieOperator, 0),
		mkAccount(acctClassBGoodieSpent, 0),
		mkAccount(acctClassBGoodieBudget, budgetFlags),
		mkAccount(acctClassBOperator, 0),
		mkAccount(acctClassBSpent, 0),
		mkAccount(acctClassBBudget, budgetFlags),
	}

	results, err := t.client.CreateAccounts(accounts)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeLedgerError, "create accounts", err)
	}

	allExisted := len(results) == len(accounts)
	for _, r := range results {
		if r.Result != types.AccountExists {
			return apperrors.New(apperrors.ErrCodeLedgerError,
				fmt.Sprintf("create account %d: %s", r.Index, r.Result))
		}
	}
	if allExisted {
		// Budgets were funded on first setup; don't fund twice.
		return nil
	}

	fund := func(operator, budget uint64, amount int64) types.Transfer {
		return types.Transfer{
			ID:              types.ID(),
			DebitAccountID:  types.ToUint128(operator),
			CreditAccountID: types.ToUint128(budget),
			Amount:          types.ToUint128(uint64(amount)),
			Ledger:          ledgerTickets,
			Code:            setupCode,
		}
	}

	transferResults, err := t.client.CreateTransfers([]types.Transfer{
		fund(acctGoodieOperator, acctGoodieBudget, t.caps.Goodie),
		fund(acctClassBGoodieOperator, acctClassBGoodieBudget, t.caps.Goodie),
		fund(acctClassAOperator, acctClassABudget, t.caps.ClassA),
		fund(acctClassBOperator, acctClassBBudget, t.caps.ClassB),
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeLedgerError, "fund budgets", err)
	}
	if len(transferResults) > 0 {
		return apperrors.New(apperrors.ErrCodeLedgerError,
			fmt.Sprintf("fund budgets: %s", transferResults[0].Result))
	}
	return nil
}

// HoldPair places pending transfers for the ticket and its goodie in a
// single submission. The cluster rejects whichever side has no capacity
// left; the other side still goes through.
func (t *TigerBeetle) HoldPair(ctx context.Context, class string, qty int64, ttl time.Duration) (PairHold, error) {
	return t.reservePair(ctx, class, qty, uint32(ttl/time.Second), types.TransferFlags{Pending: true})
}

// BookPair posts the ticket and goodie directly without a pending step.
func (t *TigerBeetle) BookPair(ctx context.Context, class string, qty int64) (PairHold, error) {
	return t.reservePair(ctx, class, qty, 0, types.TransferFlags{})
}

func (t *TigerBeetle) reservePair(ctx context.Context, class string, qty int64, timeout uint32, flags types.TransferFlags) (PairHold, error) {
	budget, spent, err := classAccounts(class)
	if err != nil {
		return PairHold{}, err
	}

	ticketID := types.ID()
	goodieID := types.ID()

	results, err := t.batcher.Submit(ctx, []types.Transfer{
		{
			ID:              ticketID,
			DebitAccountID:  types.ToUint128(budget),
			CreditAccountID: types.ToUint128(spent),
			Amount:          types.ToUint128(uint64(qty)),
			Ledger:          ledgerTickets,
			Code:            transferCode,
			Timeout:         timeout,
			Flags:           flags.ToUint16(),
		},
		{
			ID:              goodieID,
			DebitAccountID:  types.ToUint128(acctGoodieBudget),
			CreditAccountID: types.ToUint128(acctGoodieSpent),
			Amount:          types.ToUint128(1),
			Ledger:          ledgerTickets,
			Code:            transferCode,
			Timeout:         timeout,
			Flags:           flags.ToUint16(),
		},
	})
	if err != nil {
		return PairHold{}, apperrors.Wrap(apperrors.ErrCodeLedgerError, "submit transfers", err)
	}

	hold := PairHold{
		TicketID:  uint128String(ticketID),
		GoodieID:  uint128String(goodieID),
		HasTicket: true,
		HasGoodie: true,
	}
	for _, r := range results {
		if r.Index == 0 {
			hold.HasTicket = false
		}
		if r.Index == 1 {
			hold.HasGoodie = false
		}
	}
	return hold, nil
}

// CommitPair posts the pending ticket transfer, plus the goodie transfer
// when tryGoodie is set. Expired or already-resolved pendings come back as
// per-index failures, not errors.
func (t *TigerBeetle) CommitPair(ctx context.Context, ticketID, goodieID, class string, qty int64, tryGoodie bool) (bool, bool, error) {
	budget, spent, err := classAccounts(class)
	if err != nil {
		return false, false, err
	}

	pendingTicket, err := parseUint128(ticketID)
	if err != nil {
		return false, false, err
	}

	transfers := []types.Transfer{
		{
			ID:              types.ID(),
			DebitAccountID:  types.ToUint128(budget),
			CreditAccountID: types.ToUint128(spent),
			Amount:          types.ToUint128(uint64(qty)),
			PendingID:       pendingTicket,
			Ledger:          ledgerTickets,
			Code:            transferCode,
			Flags:           types.TransferFlags{PostPendingTransfer: true}.ToUint16(),
		},
	}

	if tryGoodie {
		pendingGoodie, err := parseUint128(goodieID)
		if err != nil {
			return false, false, err
		}
		transfers = append(transfers, types.Transfer{
			ID:              types.ID(),
			DebitAccountID:  types.ToUint128(acctGoodieBudget),
			CreditAccountID: types.ToUint128(acctGoodieSpent),
			Amount:          types.ToUint128(1),
			PendingID:       pendingGoodie,
			Ledger:          ledgerTickets,
			Code:            transferCode,
			Flags:           types.TransferFlags{PostPendingTransfer: true}.ToUint16(),
		})
	}

	results, err := t.batcher.Submit(ctx, transfers)
	if err != nil {
		return false, false, apperrors.Wrap(apperrors.ErrCodeLedgerError, "submit transfers", err)
	}

	gotTicket := true
	gotGoodie := tryGoodie
	for _, r := range results {
		if r.Index == 0 {
			gotTicket = false
		}
		if r.Index == 1 {
			gotGoodie = false
		}
	}
	return gotTicket, gotGoodie, nil
}

// VoidPair cancels both pending transfers. Per-transfer failures are
// ignored: an expired pending has already released its capacity.
func (t *TigerBeetle) VoidPair(ctx context.Context, ticketID, goodieID, class string, qty int64) error {
	budget, spent, err := classAccounts(class)
	if err != nil {
		return err
	}

	pendingTicket, err := parseUint128(ticketID)
	if err != nil {
		return err
	}
	pendingGoodie, err := parseUint128(goodieID)
	if err != nil {
		return err
	}

	_, err = t.batcher.Submit(ctx, []types.Transfer{
		{
			ID:              types.ID(),
			DebitAccountID:  types.ToUint128(budget),
			CreditAccountID: types.ToUint128(spent),
			Amount:          types.ToUint128(uint64(qty)),
			PendingID:       pendingTicket,
			Ledger:          ledgerTickets,
			Code:            transferCode,
			Flags:           types.TransferFlags{VoidPendingTransfer: true}.ToUint16(),
		},
		{
			ID:              types.ID(),
			DebitAccountID:  types.ToUint128(acctGoodieBudget),
			CreditAccountID: types.ToUint128(acctGoodieSpent),
			Amount:          types.ToUint128(1),
			PendingID:       pendingGoodie,
			Ledger:          ledgerTickets,
			Code:            transferCode,
			Flags:           types.TransferFlags{VoidPendingTransfer: true}.ToUint16(),
		},
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeLedgerError, "submit transfers", err)
	}
	return nil
}

// VoidGoodie cancels only the goodie's pending transfer.
func (t *TigerBeetle) VoidGoodie(ctx context.Context, goodieID string) error {
	pendingGoodie, err := parseUint128(goodieID)
	if err != nil {
		return err
	}

	_, err = t.batcher.Submit(ctx, []types.Transfer{
		{
			ID:              types.ID(),
			DebitAccountID:  types.ToUint128(acctGoodieBudget),
			CreditAccountID: types.ToUint128(acctGoodieSpent),
			Amount:          types.ToUint128(1),
			PendingID:       pendingGoodie,
			Ledger:          ledgerTickets,
			Code:            transferCode,
			Flags:           types.TransferFlags{VoidPendingTransfer: true}.ToUint16(),
		},
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeLedgerError, "submit transfers", err)
	}
	return nil
}

// Inventory reads the spent accounts and derives availability. Posted
// credits are sales, pending credits are live holds; the cluster expires
// timed-out pendings itself so no sweep is needed here.
func (t *TigerBeetle) Inventory(ctx context.Context) (map[string]Inventory, error) {
	accounts, err := t.client.LookupAccounts([]types.Uint128{
		types.ToUint128(acctClassASpent),
		types.ToUint128(acctClassBSpent),
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeLedgerError, "lookup accounts", err)
	}
	if len(accounts) != 2 {
		return nil, apperrors.New(apperrors.ErrCodeLedgerError, "spent accounts missing; run setup")
	}

	now := time.Now().UTC()
	out := make(map[string]Inventory, 2)
	for i, class := range []string{ClassA, ClassB} {
		sold := uint128Int64(accounts[i].CreditsPosted)
		held := uint128Int64(accounts[i].CreditsPending)
		capacity := t.caps.capacityForClass(class)
		available := capacity - sold - held
		out[class] = Inventory{
			Capacity:    capacity,
			Sold:        sold,
			ActiveHolds: held,
			Available:   available,
			SoldOut:     available <= 0,
			Timestamp:   now,
		}
	}
	return out, nil
}

// CountGoodies reports posted goodie sales.
func (t *TigerBeetle) CountGoodies(ctx context.Context) (int64, error) {
	accounts, err := t.client.LookupAccounts([]types.Uint128{
		types.ToUint128(acctGoodieSpent),
	})
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrCodeLedgerError, "lookup accounts", err)
	}
	if len(accounts) != 1 {
		return 0, apperrors.New(apperrors.ErrCodeLedgerError, "goodie account missing; run setup")
	}
	return uint128Int64(accounts[0].CreditsPosted), nil
}

func uint128String(id types.Uint128) string {
	b := id.BigInt()
	return b.String()
}

func uint128Int64(v types.Uint128) int64 {
	b := v.BigInt()
	return b.Int64()
}

func parseUint128(s string) (types.Uint128, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return types.Uint128{}, apperrors.New(apperrors.ErrCodeLedgerError, "malformed transfer id "+s)
	}
	return types.BigIntToUint128(*n), nil
}
