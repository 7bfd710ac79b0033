package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/convoy/internal/cache"
	"github.com/kelpejol/convoy/internal/estimate"
	"github.com/kelpejol/convoy/internal/fault"
	"github.com/kelpejol/convoy/internal/ledger"
	"github.com/kelpejol/convoy/internal/metrics"
	"github.com/kelpejol/convoy/internal/money"
	"github.com/kelpejol/convoy/internal/store"
	"github.com/kelpejol/convoy/internal/store/storetest"
)

type fixture struct {
	ledger  *ledger.Ledger
	store   *store.Store
	mr      *miniredis.Miniredis
	metrics *metrics.Metrics
}

func setup(t *testing.T) *fixture {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	st := storetest.New(t)
	m := metrics.New(prometheus.NewRegistry())
	layer := cache.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), st, cache.Options{
		AccountTTL: time.Minute,
		OpTimeout:  200 * time.Millisecond,
	}, m, zerolog.Nop())
	t.Cleanup(func() { layer.Close() })

	return &fixture{
		ledger:  ledger.New(st, layer.Accounts, m, zerolog.Nop()),
		store:   st,
		mr:      mr,
		metrics: m,
	}
}

// runSteps performs k sequential paid steps of cost c within one unit of work,
// the way a tool runner does: check, and only if admitted, charge.
func runSteps(t *testing.T, l *ledger.Ledger, account string, k int, c money.Amount) (admitted int, rejections []*ledger.InsufficientBalanceError) {
	t.Helper()
	ctx := context.Background()

	for i := 1; i <= k; i++ {
		op := ledger.Operation{ID: fmt.Sprintf("tool:%s:%d:call", account, i), Name: "render", Cost: c}

		err := l.CheckAdmission(ctx, account, op)
		var ibe *ledger.InsufficientBalanceError
		if errors.As(err, &ibe) {
			rejections = append(rejections, ibe)
			continue
		}
		require.NoError(t, err)

		admitted++
		_, err = l.Charge(ctx, ledger.ChargeRequest{
			AccountID:   account,
			OperationID: op.ID,
			Amount:      c,
			Kind:        store.KindTool,
		})
		require.NoError(t, err)
	}
	return admitted, rejections
}

func TestAdmission_ScenarioFiveCents(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	_, err := f.store.CreateAccount(ctx, "acct-1", money.MustParse("0.05"))
	require.NoError(t, err)

	admitted, rejections := runSteps(t, f.ledger, "acct-1", 10, money.MustParse("0.134"))

	assert.Equal(t, 1, admitted)
	require.Len(t, rejections, 9)
	for i, r := range rejections {
		assert.Equal(t, fmt.Sprintf("tool:acct-1:%d:call", i+2), r.Operation.ID)
		assert.Equal(t, money.MustParse("-0.084"), r.Balance)
		assert.Equal(t, "acct-1", r.Account)
		assert.Equal(t, fault.InsufficientBalance, fault.KindOf(r))
	}

	acct, err := f.store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("-0.084"), acct.Balance)

	charges, err := f.store.ListCharges(ctx, "acct-1", 100)
	require.NoError(t, err)
	assert.Len(t, charges, 1)

	assert.Equal(t, 9.0, testutil.ToFloat64(f.metrics.AdmissionDecisions.WithLabelValues("rejected")))
}

func TestAdmission_CountProperty(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	balances := []money.Amount{-100000, -1, 0, 1, 49999, 50000, 134000, 268000, 999999}
	costs := []money.Amount{1, 7, 50000, 134000, 1000000}
	const k = 10

	for _, b := range balances {
		for _, c := range costs {
			account := fmt.Sprintf("acct_%d_%d", b, c)
			_, err := f.store.CreateAccount(ctx, account, b)
			require.NoError(t, err)

			admitted, rejections := runSteps(t, f.ledger, account, k, c)

			want := 0
			if b >= 0 {
				want = int(int64(b)/int64(c)) + 1
			}
			if want > k {
				want = k
			}
			assert.Equal(t, want, admitted, "balance %s cost %s", b, c)
			assert.Len(t, rejections, k-want)

			acct, err := f.store.GetAccount(ctx, account)
			require.NoError(t, err)
			assert.Equal(t, b-money.Amount(want)*c, acct.Balance)
		}
	}
}

func TestCharge_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	_, err := f.store.CreateAccount(ctx, "acct-1", money.MustParse("1"))
	require.NoError(t, err)

	req := ledger.ChargeRequest{AccountID: "acct-1", OperationID: "gen:u1", Amount: money.MustParse("0.25"), Kind: store.KindGeneration}

	first, err := f.ledger.Charge(ctx, req)
	require.NoError(t, err)
	assert.True(t, first.Applied)

	second, err := f.ledger.Charge(ctx, req)
	require.NoError(t, err)
	assert.False(t, second.Applied)
	assert.Equal(t, first.Balance, second.Balance)

	bal, err := f.ledger.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("0.75"), bal.Balance)
}

func TestCharge_Validation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.ledger.Charge(ctx, ledger.ChargeRequest{AccountID: "a", Amount: 1})
	assert.Error(t, err)

	_, err = f.ledger.Charge(ctx, ledger.ChargeRequest{AccountID: "a", OperationID: "x", Amount: -1, Kind: store.KindTool})
	assert.Error(t, err)

	_, err = f.ledger.Credit(ctx, "a", "y", 0, "")
	assert.Error(t, err)

	_, err = f.ledger.Charge(ctx, ledger.ChargeRequest{AccountID: "nope", OperationID: "z", Amount: 1, Kind: store.KindTool})
	assert.ErrorIs(t, err, store.ErrAccountNotFound)
}

func TestChargeCancellation_ExactlyOnce(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	_, err := f.store.CreateAccount(ctx, "acct-1", money.MustParse("1"))
	require.NoError(t, err)

	est := estimate.New(4).Estimate(estimate.Counts{ReasoningChars: 800, OutputChars: 200}, money.Pricing{
		InputPerMTok:  money.MustParse("3"),
		OutputPerMTok: money.MustParse("15"),
	})
	require.Equal(t, money.Amount(3750), est.Cost)

	for i := 0; i < 2; i++ {
		_, err := f.ledger.ChargeCancellation(ctx, "acct-1", "gen:unit-7", est)
		require.NoError(t, err)
	}

	charges, err := f.store.ListCharges(ctx, "acct-1", 10)
	require.NoError(t, err)
	require.Len(t, charges, 1)
	assert.Equal(t, money.Amount(3750), charges[0].Amount)
	assert.Equal(t, store.KindCancellation, charges[0].Kind)

	acct, err := f.store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("1")-3750, acct.Balance)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CancellationCharge))
}

func TestCredit(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	_, err := f.store.CreateAccount(ctx, "acct-1", money.MustParse("-0.084"))
	require.NoError(t, err)

	err = f.ledger.CheckAdmission(ctx, "acct-1", ledger.Operation{ID: "op"})
	require.Error(t, err)

	_, err = f.ledger.Credit(ctx, "acct-1", "topup-1", money.MustParse("5"), "top-up")
	require.NoError(t, err)

	assert.NoError(t, f.ledger.CheckAdmission(ctx, "acct-1", ledger.Operation{ID: "op"}), "cached snapshot reflects the credit")
}

// The same sequence must leave identical durable state with the cache up or down.
func TestDegradation_IdenticalDurableState(t *testing.T) {
	type outcome struct {
		admitted int
		balance  money.Amount
		charges  []string
	}

	run := func(t *testing.T, redisDown bool) outcome {
		ctx := context.Background()
		f := setup(t)
		if redisDown {
			f.mr.Close()
		}

		_, err := f.store.CreateAccount(ctx, "acct-1", money.MustParse("0.05"))
		require.NoError(t, err)

		admitted, _ := runSteps(t, f.ledger, "acct-1", 10, money.MustParse("0.134"))

		_, err = f.ledger.Credit(ctx, "acct-1", "topup-1", money.MustParse("1"), "")
		require.NoError(t, err)
		_, err = f.ledger.ChargeCancellation(ctx, "acct-1", "gen:unit-2", estimate.Estimate{Cost: 3750})
		require.NoError(t, err)
		_, err = f.ledger.ChargeCancellation(ctx, "acct-1", "gen:unit-2", estimate.Estimate{Cost: 3750})
		require.NoError(t, err)

		acct, err := f.store.GetAccount(ctx, "acct-1")
		require.NoError(t, err)
		charges, err := f.store.ListCharges(ctx, "acct-1", 100)
		require.NoError(t, err)

		out := outcome{admitted: admitted, balance: acct.Balance}
		for _, c := range charges {
			out.charges = append(out.charges, fmt.Sprintf("%s=%s", c.OperationID, c.Amount))
		}
		return out
	}

	withCache := run(t, false)
	withoutCache := run(t, true)

	assert.Equal(t, withCache.admitted, withoutCache.admitted)
	assert.Equal(t, withCache.balance, withoutCache.balance)
	assert.ElementsMatch(t, withCache.charges, withoutCache.charges)
	assert.Equal(t, money.MustParse("0.916")-3750, withoutCache.balance)
}
