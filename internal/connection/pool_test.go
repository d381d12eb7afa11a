package connection_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/Zakaria95Ahmed/idm-clone/internal/connection"
	"github.com/Zakaria95Ahmed/idm-clone/pkg/protocol"
)

type fakeClient struct {
	scheme string
	closed atomic.Bool
}

func (f *fakeClient) Head(context.Context, *protocol.RequestConfig) (*protocol.ResponseInfo, error) {
	return &protocol.ResponseInfo{}, nil
}

func (f *fakeClient) Get(context.Context, *protocol.RequestConfig, protocol.DataFunc) (*protocol.ResponseInfo, error) {
	return &protocol.ResponseInfo{}, nil
}

func (f *fakeClient) Supports(string) bool { return true }

func (f *fakeClient) Close() error {
	f.closed.Store(true)
	return nil
}

func newTestPool(max int) (*connection.Pool, *atomic.Int64) {
	var created atomic.Int64
	pool := connection.NewPool(max, func(scheme string) (protocol.Client, error) {
		if scheme == "gopher" {
			return nil, errors.New("unsupported scheme")
		}
		created.Add(1)
		return &fakeClient{scheme: scheme}, nil
	})
	return pool, &created
}

func TestAcquireCreatesAndReuses(t *testing.T) {
	pool, created := newTestPool(4)

	c1, err := pool.Acquire("https://example.com/a")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	pool.Release("https://example.com/a", c1)

	c2, err := pool.Acquire("https://example.com/b")
	if err != nil {
		t.Fatal(err)
	}

	if c1 != c2 {
		t.Fatal("released client should be reused for the same scheme")
	}
	if created.Load() != 1 {
		t.Fatalf("created %d clients, want 1", created.Load())
	}

	stats := pool.Stats()
	if stats.Reused != 1 || stats.Created != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestSchemesPooledSeparately(t *testing.T) {
	pool, created := newTestPool(4)

	h, _ := pool.Acquire("http://example.com/")
	f, _ := pool.Acquire("ftp://example.com/")
	pool.Release("http://example.com/", h)
	pool.Release("ftp://example.com/", f)

	h2, _ := pool.Acquire("http://example.com/")
	if h2 != h {
		t.Fatal("http client not reused")
	}
	if created.Load() != 2 {
		t.Fatalf("created %d clients, want 2", created.Load())
	}
}

func TestReleaseBeyondBoundCloses(t *testing.T) {
	pool, _ := newTestPool(1)

	c1, _ := pool.Acquire("https://example.com/")
	c2, _ := pool.Acquire("https://example.com/")

	pool.Release("https://example.com/", c1)
	pool.Release("https://example.com/", c2)

	if !c2.(*fakeClient).closed.Load() {
		t.Fatal("client beyond the bound must be closed")
	}
	if c1.(*fakeClient).closed.Load() {
		t.Fatal("retained client must stay open")
	}
}

func TestAcquireInvalidURL(t *testing.T) {
	pool, _ := newTestPool(4)

	if _, err := pool.Acquire("no-scheme-here"); err == nil {
		t.Fatal("expected an error for a URL without scheme")
	}
	if _, err := pool.Acquire("gopher://example.com/"); err == nil {
		t.Fatal("expected the factory error to propagate")
	}
}

func TestCloseAll(t *testing.T) {
	pool, _ := newTestPool(4)

	c, _ := pool.Acquire("https://example.com/")
	pool.Release("https://example.com/", c)

	pool.CloseAll()

	if !c.(*fakeClient).closed.Load() {
		t.Fatal("CloseAll must close idle clients")
	}
	if pool.Stats().Idle != 0 {
		t.Fatal("pool must be empty after CloseAll")
	}
}
