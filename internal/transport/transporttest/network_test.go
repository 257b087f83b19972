package transporttest

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/hubenchang0515/todo/internal/transport"
)

func identify(t *testing.T, tr *Transport) string {
	t.Helper()
	id, err := tr.Identity(context.Background())
	if err != nil {
		t.Fatalf("Identity() error = %v", err)
	}
	return id
}

func TestChannelDeliversInOrderThenEOF(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n := NewNetwork()
	host, guest := n.NewTransport(), n.NewTransport()
	hostID := identify(t, host)
	identify(t, guest)

	out, err := guest.Connect(ctx, hostID)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	in, err := host.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if in.Remote() != guest.ID() {
		t.Errorf("Remote() = %q, want %q", in.Remote(), guest.ID())
	}

	for _, m := range []string{"a", "b", "c"} {
		if err := in.Send(ctx, []byte(m)); err != nil {
			t.Fatalf("Send(%q) error = %v", m, err)
		}
	}
	if err := in.Close(true); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	var got string
	for {
		msg, err := out.Receive(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Receive() error = %v", err)
		}
		got += string(msg)
	}
	if got != "abc" {
		t.Errorf("received %q, want %q", got, "abc")
	}
}

func TestConnectUnknownPeer(t *testing.T) {
	n := NewNetwork()
	guest := n.NewTransport()
	identify(t, guest)

	_, err := guest.Connect(context.Background(), "nobody")
	if !errors.Is(err, transport.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestBreakAfter(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n := NewNetwork()
	n.BreakAfter(2)
	host, guest := n.NewTransport(), n.NewTransport()
	hostID := identify(t, host)
	identify(t, guest)

	out, err := guest.Connect(ctx, hostID)
	if err != nil {
		t.Fatal(err)
	}
	in, err := host.Accept(ctx)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := in.Send(ctx, []byte{byte(i)}); err != nil {
			t.Fatalf("Send(%d) error = %v", i, err)
		}
	}
	if err := in.Send(ctx, []byte{2}); !errors.Is(err, transport.ErrChannel) {
		t.Fatalf("third Send() error = %v, want ErrChannel", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := out.Receive(ctx); err != nil {
			t.Fatalf("Receive(%d) error = %v", i, err)
		}
	}
	if _, err := out.Receive(ctx); !errors.Is(err, transport.ErrChannel) {
		t.Errorf("Receive() after break error = %v, want ErrChannel", err)
	}
}

func TestFailIdentity(t *testing.T) {
	n := NewNetwork()
	n.FailIdentity(errors.New("rendezvous down"))

	_, err := n.NewTransport().Identity(context.Background())
	if !errors.Is(err, transport.ErrIdentityUnavailable) {
		t.Errorf("Identity() error = %v, want ErrIdentityUnavailable", err)
	}
}

func TestHoldIdentity(t *testing.T) {
	n := NewNetwork()
	release := n.HoldIdentity()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := n.NewTransport().Identity(ctx); !errors.Is(err, transport.ErrIdentityUnavailable) {
		t.Fatalf("held Identity() error = %v", err)
	}

	release()
	identify(t, n.NewTransport())
}

func TestCloseUnregisters(t *testing.T) {
	n := NewNetwork()
	tr := n.NewTransport()
	identify(t, tr)
	if n.Peers() != 1 {
		t.Fatalf("Peers() = %d, want 1", n.Peers())
	}

	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	if n.Peers() != 0 {
		t.Errorf("Peers() after Close = %d, want 0", n.Peers())
	}
	if _, err := tr.Accept(context.Background()); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Accept() after Close error = %v", err)
	}
}
