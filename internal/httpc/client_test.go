package httpc

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewClient(t *testing.T) {
	c := NewClient(5 * time.Second)
	if c.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", c.Timeout)
	}
	tr, ok := c.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("Transport = %T, want *http.Transport", c.Transport)
	}
	if tr.TLSHandshakeTimeout != 10*time.Second || tr.MaxIdleConnsPerHost != 10 {
		t.Errorf("transport not configured: %+v", tr)
	}

	if NewClient(0).Timeout != DefaultTimeout {
		t.Error("zero timeout should fall back to DefaultTimeout")
	}
}

func TestClientTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	_, err := NewClient(50 * time.Millisecond).Get(srv.URL)
	if err == nil {
		t.Error("expected timeout error")
	}
}
