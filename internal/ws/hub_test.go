package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/HsiangNianian/walletbridge/internal/approval"
	"github.com/HsiangNianian/walletbridge/internal/messenger"
	"github.com/HsiangNianian/walletbridge/internal/protocol"
	"github.com/HsiangNianian/walletbridge/internal/provider"
	"github.com/HsiangNianian/walletbridge/internal/store"
	"github.com/HsiangNianian/walletbridge/internal/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	pipeline := approval.New(store.NewMemoryStore("test", time.Hour), zerolog.Nop())
	hub := NewHub(pipeline, "ui-secret", []string{"https://dapp.example"}, zerolog.Nop())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/inpage", hub.HandleInpage)
	mux.HandleFunc("/ws/wallet", hub.HandleWallet)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialPage(t *testing.T, base, origin string) (*messenger.Messenger, error) {
	t.Helper()
	header := http.Header{}
	header.Set("Origin", origin)
	tr, err := transport.Dial(context.Background(), string(protocol.ChannelBackgroundInpage), base+"/ws/inpage", header, zerolog.Nop())
	if err != nil {
		return nil, err
	}
	t.Cleanup(func() { _ = tr.Close() })
	m := messenger.New(tr)
	tr.Start()
	return m, nil
}

func dialWallet(t *testing.T, base, token string) (*messenger.Messenger, error) {
	t.Helper()
	return dialWalletFrom(t, base, token, "")
}

func dialWalletFrom(t *testing.T, base, token, origin string) (*messenger.Messenger, error) {
	t.Helper()
	header := transport.BearerHeader(token)
	if origin != "" {
		header.Set("Origin", origin)
	}
	tr, err := transport.Dial(context.Background(), string(protocol.ChannelBackgroundWallet), base+"/ws/wallet", header, zerolog.Nop())
	if err != nil {
		return nil, err
	}
	t.Cleanup(func() { _ = tr.Close() })
	m := messenger.New(tr)
	tr.Start()
	return m, nil
}

func TestApprovalOverWebSocket(t *testing.T) {
	hub, base := startHub(t)

	page, err := dialPage(t, base, "https://dapp.example")
	require.NoError(t, err)
	ui, err := dialWallet(t, base, "ui-secret")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		pages, wallets := hub.Counts()
		return pages == 1 && wallets == 1
	}, 2*time.Second, 5*time.Millisecond)

	changed := make(chan struct{}, 4)
	ui.On(protocol.TopicPendingRequestsChange, func(json.RawMessage) { changed <- struct{}{} })

	shim := provider.New(page, "https://dapp.example", zerolog.Nop())
	result := make(chan json.RawMessage, 1)
	go func() {
		raw, err := shim.Request(context.Background(), "personal_sign",
			json.RawMessage(`["0x48656c6c6f","0x00000000000000000000000000000000000000ab"]`))
		assert.NoError(t, err)
		result <- raw
	}()

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("wallet was not notified")
	}

	ctx := context.Background()
	records, err := messenger.Call[[]store.Record](ctx, ui, protocol.TopicPendingRequestsList, nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "https://dapp.example", records[0].Origin)

	_, err = messenger.Call[store.Resolution](ctx, ui, protocol.TopicPendingRequestApprove, approval.ApproveParams{
		Token:  records[0].Token,
		Result: json.RawMessage(`"0xsignature"`),
	})
	require.NoError(t, err)

	select {
	case raw := <-result:
		assert.JSONEq(t, `"0xsignature"`, string(raw))
	case <-time.After(2 * time.Second):
		t.Fatal("page request not settled")
	}
}

func TestWalletRequiresToken(t *testing.T) {
	_, base := startHub(t)
	_, err := dialWallet(t, base, "wrong")
	assert.Error(t, err)
}

func TestInpageRejectsUnknownOrigin(t *testing.T) {
	_, base := startHub(t)
	_, err := dialPage(t, base, "https://evil.example")
	assert.Error(t, err)
}

func TestDisconnectUpdatesCounts(t *testing.T) {
	hub, base := startHub(t)
	page, err := dialPage(t, base, "https://dapp.example")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		pages, _ := hub.Counts()
		return pages == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, page.Close())
	require.Eventually(t, func() bool {
		pages, _ := hub.Counts()
		return pages == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWalletAcceptsExtensionOrigin(t *testing.T) {
	_, base := startHub(t)
	ui, err := dialWalletFrom(t, base, "ui-secret", "chrome-extension://walletuiextension")
	require.NoError(t, err)

	records, err := messenger.Call[[]store.Record](context.Background(), ui, protocol.TopicPendingRequestsList, nil)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestPageRequestRightAfterConnect(t *testing.T) {
	_, base := startHub(t)

	page, err := dialPage(t, base, "https://dapp.example")
	require.NoError(t, err)
	shim := provider.New(page, "https://dapp.example", zerolog.Nop())
	rejected := make(chan error, 1)
	go func() {
		_, err := shim.Request(context.Background(), "personal_sign",
			json.RawMessage(`["0x48656c6c6f","0x00000000000000000000000000000000000000ab"]`))
		rejected <- err
	}()

	ui, err := dialWallet(t, base, "ui-secret")
	require.NoError(t, err)
	ctx := context.Background()
	var records []store.Record
	require.Eventually(t, func() bool {
		records, err = messenger.Call[[]store.Record](ctx, ui, protocol.TopicPendingRequestsList, nil)
		return err == nil && len(records) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err = messenger.Call[store.Resolution](ctx, ui, protocol.TopicPendingRequestReject, approval.RejectParams{Token: records[0].Token})
	require.NoError(t, err)

	select {
	case err := <-rejected:
		assert.ErrorIs(t, err, provider.ErrUserRejected)
	case <-time.After(2 * time.Second):
		t.Fatal("page request not settled")
	}
}

func TestPageDisconnectRejectsItsRequests(t *testing.T) {
	hub, base := startHub(t)
	page, err := dialPage(t, base, "https://dapp.example")
	require.NoError(t, err)
	ui, err := dialWallet(t, base, "ui-secret")
	require.NoError(t, err)

	shim := provider.New(page, "https://dapp.example", zerolog.Nop())
	go func() {
		_, _ = shim.Request(context.Background(), "personal_sign",
			json.RawMessage(`["0x48656c6c6f","0x00000000000000000000000000000000000000ab"]`))
	}()

	ctx := context.Background()
	var records []store.Record
	require.Eventually(t, func() bool {
		records, err = messenger.Call[[]store.Record](ctx, ui, protocol.TopicPendingRequestsList, nil)
		return err == nil && len(records) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, page.Close())
	require.Eventually(t, func() bool {
		pages, _ := hub.Counts()
		current, err := messenger.Call[[]store.Record](ctx, ui, protocol.TopicPendingRequestsList, nil)
		return pages == 0 && err == nil && len(current) == 0
	}, 2*time.Second, 10*time.Millisecond)

	_, err = messenger.Call[store.Resolution](ctx, ui, protocol.TopicPendingRequestApprove, approval.ApproveParams{Token: records[0].Token})
	var remote *messenger.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, "already_resolved", remote.Code)
}
