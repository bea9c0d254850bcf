package approval

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HsiangNianian/walletbridge/internal/messenger"
	"github.com/HsiangNianian/walletbridge/internal/protocol"
	"github.com/HsiangNianian/walletbridge/internal/rpc"
	"github.com/HsiangNianian/walletbridge/internal/store"
	"github.com/HsiangNianian/walletbridge/internal/transport"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var account = common.HexToAddress("0x00000000000000000000000000000000000000ab")

type harness struct {
	pipeline *Pipeline
	inpage   *messenger.Messenger
	wallet   *messenger.Messenger
	pageEnd  *transport.PipeEnd
	changes  atomic.Int32
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	p := New(store.NewMemoryStore("test", time.Hour), zerolog.Nop(), opts...)

	pageEnd, bgInpage := transport.Pipe(string(protocol.ChannelBackgroundInpage), zerolog.Nop())
	uiEnd, bgWallet := transport.Pipe(string(protocol.ChannelBackgroundWallet), zerolog.Nop())
	t.Cleanup(func() {
		_ = pageEnd.Close()
		_ = uiEnd.Close()
	})

	p.Attach(messenger.New(bgInpage), "https://dapp.example")
	p.AttachWallet(messenger.New(bgWallet))

	h := &harness{pipeline: p, inpage: messenger.New(pageEnd), wallet: messenger.New(uiEnd), pageEnd: pageEnd}
	h.wallet.On(protocol.TopicPendingRequestsChange, func(json.RawMessage) { h.changes.Add(1) })
	return h
}

type outcome struct {
	res store.Resolution
	err error
}

// submit sends req from the page side and returns a channel for its settlement.
func (h *harness) submit(req rpc.Request) <-chan outcome {
	out := make(chan outcome, 1)
	go func() {
		res, err := messenger.Call[store.Resolution](context.Background(), h.inpage, protocol.TopicPendingRequest,
			Submission{Request: rpc.Call{Request: req}, Origin: "https://spoofed.example"})
		out <- outcome{res: res, err: err}
	}()
	return out
}

func (h *harness) waitPending(t *testing.T, n int) []store.Record {
	t.Helper()
	var records []store.Record
	require.Eventually(t, func() bool {
		var err error
		records, err = h.pipeline.List(context.Background())
		return err == nil && len(records) == n
	}, 2*time.Second, 5*time.Millisecond)
	return records
}

func wait(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("caller was not settled")
		return outcome{}
	}
}

func personalSign() rpc.Request {
	return rpc.PersonalSign{Message: hexutil.Bytes("Hello"), Address: account}
}

func TestApproveDeliversResolutionAndInvalidates(t *testing.T) {
	h := newHarness(t)
	var invalidated atomic.Int32
	h.pipeline.OnApproved(func(_ context.Context, res store.Resolution) {
		assert.Equal(t, store.StatusApproved, res.Status)
		invalidated.Add(1)
	})
	h.pipeline.OnApproved(func(context.Context, store.Resolution) { panic("cache offline") })
	h.pipeline.OnApproved(func(context.Context, store.Resolution) { invalidated.Add(1) })

	settled := h.submit(personalSign())
	records := h.waitPending(t, 1)
	assert.Equal(t, "https://dapp.example", records[0].Origin)
	assert.Equal(t, store.StatusPending, records[0].Status)

	res, err := h.pipeline.Approve(context.Background(), records[0].Token, nil, json.RawMessage(`"0xsig"`))
	require.NoError(t, err)
	assert.Equal(t, store.StatusApproved, res.Status)

	o := wait(t, settled)
	require.NoError(t, o.err)
	assert.Equal(t, store.StatusApproved, o.res.Status)
	assert.Equal(t, personalSign(), o.res.Request)
	assert.JSONEq(t, `"0xsig"`, string(o.res.Result))
	assert.Equal(t, int32(2), invalidated.Load())
	h.waitPending(t, 0)
	require.Eventually(t, func() bool { return h.changes.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestRejectSkipsInvalidators(t *testing.T) {
	h := newHarness(t)
	var invalidated atomic.Int32
	h.pipeline.OnApproved(func(context.Context, store.Resolution) { invalidated.Add(1) })

	settled := h.submit(personalSign())
	records := h.waitPending(t, 1)

	_, err := h.pipeline.Reject(context.Background(), records[0].Token)
	require.NoError(t, err)

	o := wait(t, settled)
	require.NoError(t, o.err)
	assert.Equal(t, store.StatusRejected, o.res.Status)
	assert.Nil(t, o.res.Result)
	assert.Zero(t, invalidated.Load())
}

func TestResolveTwiceOnlySettlesOnce(t *testing.T) {
	h := newHarness(t)
	var invalidated atomic.Int32
	h.pipeline.OnApproved(func(context.Context, store.Resolution) { invalidated.Add(1) })

	settled := h.submit(personalSign())
	token := h.waitPending(t, 1)[0].Token

	_, err := h.pipeline.Approve(context.Background(), token, nil, nil)
	require.NoError(t, err)
	_, err = h.pipeline.Reject(context.Background(), token)
	var already *store.AlreadyResolvedError
	require.True(t, errors.As(err, &already))

	o := wait(t, settled)
	assert.Equal(t, store.StatusApproved, o.res.Status)
	assert.Equal(t, int32(1), invalidated.Load())
}

func TestWalletTopics(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.submit(personalSign())
	h.waitPending(t, 1)
	tx := rpc.SendTransaction{Tx: rpc.Transaction{From: account}}
	second := h.submit(tx)
	h.waitPending(t, 2)

	records, err := messenger.Call[[]store.Record](ctx, h.wallet, protocol.TopicPendingRequestsList, nil)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, rpc.MethodPersonalSign, records[0].Request.Method())
	assert.Equal(t, rpc.MethodSendTransaction, records[1].Request.Method())

	gas := hexutil.Uint64(21000)
	enriched := tx
	enriched.Tx.Gas = &gas
	res, err := messenger.Call[store.Resolution](ctx, h.wallet, protocol.TopicPendingRequestApprove, ApproveParams{
		Token:   records[1].Token,
		Request: &rpc.Call{Request: enriched},
		Result:  json.RawMessage(`"0xhash"`),
	})
	require.NoError(t, err)
	assert.Equal(t, store.StatusApproved, res.Status)

	o := wait(t, second)
	require.NoError(t, o.err)
	assert.Equal(t, enriched, o.res.Request)

	remaining := h.waitPending(t, 1)
	assert.Equal(t, records[0].Token, remaining[0].Token)
	assert.Equal(t, store.StatusPending, remaining[0].Status)

	_, err = messenger.Call[store.Resolution](ctx, h.wallet, protocol.TopicPendingRequestReject, RejectParams{Token: "nonexistent-token"})
	var remote *messenger.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, "unknown_token", remote.Code)
	h.waitPending(t, 1)

	_, err = messenger.Call[store.Resolution](ctx, h.wallet, protocol.TopicPendingRequestReject, RejectParams{Token: records[0].Token})
	require.NoError(t, err)
	assert.Equal(t, store.StatusRejected, wait(t, first).res.Status)
}

func TestUnsupportedSubmission(t *testing.T) {
	h := newHarness(t)
	_, err := h.inpage.Send(context.Background(), protocol.TopicPendingRequest,
		json.RawMessage(`{"request":{"method":"eth_sign","params":[]}}`))
	var remote *messenger.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, "unsupported_method", remote.Code)
	h.waitPending(t, 0)
}

func TestSweepRejectsOrphans(t *testing.T) {
	st := store.NewMemoryStore("test", time.Hour)
	orphan, err := st.Enqueue(context.Background(), personalSign(), "https://old.example")
	require.NoError(t, err)

	p := New(st, zerolog.Nop())
	swept, err := p.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	_, err = st.Resolve(context.Background(), orphan, store.StatusApproved, nil)
	var already *store.AlreadyResolvedError
	require.True(t, errors.As(err, &already))
	assert.Equal(t, store.StatusRejected, already.Status)
}

func TestSweepKeepsLiveCallers(t *testing.T) {
	h := newHarness(t)
	settled := h.submit(personalSign())
	h.waitPending(t, 1)

	swept, err := h.pipeline.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, swept)
	h.waitPending(t, 1)

	select {
	case <-settled:
		t.Fatal("live caller settled by sweep")
	default:
	}
}

func TestClosedPageRejectsParkedRequests(t *testing.T) {
	h := newHarness(t)
	var invalidated atomic.Int32
	h.pipeline.OnApproved(func(context.Context, store.Resolution) { invalidated.Add(1) })

	settled := h.submit(personalSign())
	records := h.waitPending(t, 1)

	require.NoError(t, h.pageEnd.Close())
	var closed *messenger.ChannelClosedError
	assert.True(t, errors.As(wait(t, settled).err, &closed))
	h.waitPending(t, 0)

	_, err := h.pipeline.Approve(context.Background(), records[0].Token, nil, json.RawMessage(`"0xsig"`))
	var already *store.AlreadyResolvedError
	require.True(t, errors.As(err, &already))
	assert.Equal(t, store.StatusRejected, already.Status)
	assert.Zero(t, invalidated.Load())
}

func TestExpiryRejectsUndecidedRequest(t *testing.T) {
	h := newHarness(t, WithExpiry(50*time.Millisecond))

	settled := h.submit(personalSign())
	records := h.waitPending(t, 1)

	o := wait(t, settled)
	require.NoError(t, o.err)
	assert.Equal(t, store.StatusRejected, o.res.Status)
	h.waitPending(t, 0)

	_, err := h.pipeline.Approve(context.Background(), records[0].Token, nil, nil)
	var already *store.AlreadyResolvedError
	assert.True(t, errors.As(err, &already))
}

func TestConcurrentApproveSettlesOnce(t *testing.T) {
	h := newHarness(t)
	var invalidated atomic.Int32
	h.pipeline.OnApproved(func(context.Context, store.Resolution) { invalidated.Add(1) })

	settled := h.submit(personalSign())
	token := h.waitPending(t, 1)[0].Token

	const workers = 16
	var wg sync.WaitGroup
	var approved, already, other atomic.Int32
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := h.pipeline.Approve(context.Background(), token, nil, nil)
			var resolved *store.AlreadyResolvedError
			switch {
			case err == nil:
				approved.Add(1)
			case errors.As(err, &resolved):
				already.Add(1)
			default:
				other.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), approved.Load())
	assert.Equal(t, int32(workers-1), already.Load())
	assert.Zero(t, other.Load())
	assert.Equal(t, int32(1), invalidated.Load())

	o := wait(t, settled)
	require.NoError(t, o.err)
	assert.Equal(t, store.StatusApproved, o.res.Status)
}
