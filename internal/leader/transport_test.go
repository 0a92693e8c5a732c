package leader

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestNewHTTPClientOwnsItsPool(t *testing.T) {
	var (
		mu     sync.Mutex
		closed int
	)
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	srv.Config.ConnState = func(_ net.Conn, state http.ConnState) {
		if state == http.StateClosed {
			mu.Lock()
			closed++
			mu.Unlock()
		}
	}
	srv.Start()
	t.Cleanup(srv.Close)

	client := NewHTTPClient()
	pt, ok := client.Transport.(*peerTransport)
	if !ok {
		t.Fatalf("unexpected transport %T", client.Transport)
	}
	if http.RoundTripper(pt.base) == http.DefaultTransport {
		t.Fatalf("peer client must not share the default transport")
	}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	_ = resp.Body.Close()

	client.CloseIdleConnections()
	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := closed
		mu.Unlock()
		if n > 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected idle peer connection to be closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
