package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenchang0515/todo/internal/transport"
)

func startRelay(t *testing.T, cfg *Config) (*Server, string) {
	t.Helper()
	srv := NewServer(cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = srv.Stop() })
	return srv, ts.URL
}

func newClient(t *testing.T, url, id string) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{URL: url, ID: id})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestIdentityAssigned(t *testing.T) {
	ctx := testContext(t)
	srv, url := startRelay(t, nil)

	a, b := newClient(t, url, ""), newClient(t, url, "")
	idA, err := a.Identity(ctx)
	require.NoError(t, err)
	idB, err := b.Identity(ctx)
	require.NoError(t, err)

	assert.NotEmpty(t, idA)
	assert.NotEqual(t, idA, idB)
	assert.Eventually(t, func() bool { return srv.PeerCount() == 2 }, time.Second, 10*time.Millisecond)

	again, err := a.Identity(ctx)
	require.NoError(t, err)
	assert.Equal(t, idA, again, "identity is stable for the transport's lifetime")
}

func TestRequestedIdentityTaken(t *testing.T) {
	ctx := testContext(t)
	_, url := startRelay(t, nil)

	first := newClient(t, url, "alice")
	id, err := first.Identity(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", id)

	_, err = newClient(t, url, "alice").Identity(ctx)
	assert.ErrorIs(t, err, transport.ErrIdentityUnavailable)
}

func TestUnreachableRelay(t *testing.T) {
	c := newClient(t, "ws://127.0.0.1:1", "")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := c.Identity(ctx)
	assert.ErrorIs(t, err, transport.ErrIdentityUnavailable)
}

func TestConnectUnknownPeer(t *testing.T) {
	ctx := testContext(t)
	_, url := startRelay(t, nil)

	guest := newClient(t, url, "")
	_, err := guest.Identity(ctx)
	require.NoError(t, err)

	_, err = guest.Connect(ctx, "does-not-exist")
	assert.ErrorIs(t, err, transport.ErrConnectionFailed)
}

func TestPairTimeout(t *testing.T) {
	ctx := testContext(t)
	_, url := startRelay(t, &Config{PairTimeout: 100 * time.Millisecond})

	host, guest := newClient(t, url, "host"), newClient(t, url, "")
	_, err := host.Identity(ctx)
	require.NoError(t, err)
	_, err = guest.Identity(ctx)
	require.NoError(t, err)

	// The host never calls Accept.
	_, err = guest.Connect(ctx, "host")
	assert.ErrorIs(t, err, transport.ErrConnectionFailed)
}

func TestRelayDeliversInOrderThenEOF(t *testing.T) {
	ctx := testContext(t)
	_, url := startRelay(t, nil)

	host, guest := newClient(t, url, ""), newClient(t, url, "")
	hostID, err := host.Identity(ctx)
	require.NoError(t, err)
	guestID, err := guest.Identity(ctx)
	require.NoError(t, err)

	accepted := make(chan transport.Channel, 1)
	go func() {
		ch, err := host.Accept(ctx)
		if err != nil {
			close(accepted)
			return
		}
		accepted <- ch
	}()

	out, err := guest.Connect(ctx, hostID)
	require.NoError(t, err)
	assert.Equal(t, hostID, out.Remote())

	in, ok := <-accepted
	require.True(t, ok, "host did not accept")
	assert.Equal(t, guestID, in.Remote())

	const n = 200
	for i := 0; i < n; i++ {
		payload, _ := json.Marshal(map[string]int{"seq": i})
		require.NoError(t, in.Send(ctx, payload))
	}
	require.NoError(t, in.Close(true))

	for i := 0; i < n; i++ {
		msg, err := out.Receive(ctx)
		require.NoError(t, err, "message %d", i)
		var got map[string]int
		require.NoError(t, json.Unmarshal(msg, &got))
		require.Equal(t, i, got["seq"])
	}
	_, err = out.Receive(ctx)
	assert.ErrorIs(t, err, io.EOF, "normal close arrives after the last message")
}

func TestAbortedChannelIsError(t *testing.T) {
	ctx := testContext(t)
	_, url := startRelay(t, nil)

	host, guest := newClient(t, url, ""), newClient(t, url, "")
	hostID, err := host.Identity(ctx)
	require.NoError(t, err)
	_, err = guest.Identity(ctx)
	require.NoError(t, err)

	accepted := make(chan transport.Channel, 1)
	go func() {
		ch, _ := host.Accept(ctx)
		accepted <- ch
	}()

	out, err := guest.Connect(ctx, hostID)
	require.NoError(t, err)
	in := <-accepted
	require.NotNil(t, in)

	require.NoError(t, in.Close(false))

	_, err = out.Receive(ctx)
	assert.ErrorIs(t, err, transport.ErrChannel)
	assert.False(t, errors.Is(err, io.EOF))
}

func TestAcceptFailsWhenRelayStops(t *testing.T) {
	ctx := testContext(t)
	srv, url := startRelay(t, nil)

	host := newClient(t, url, "")
	_, err := host.Identity(ctx)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := host.Accept(ctx)
		errc <- err
	}()

	require.NoError(t, srv.Stop())
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, transport.ErrChannel)
	case <-ctx.Done():
		t.Fatal("Accept did not return after the relay stopped")
	}
}

func TestHealth(t *testing.T) {
	_, url := startRelay(t, nil)

	resp, err := http.Get(url + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}
