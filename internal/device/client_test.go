package device

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"farmfeed/internal/feeding"
	logx "farmfeed/pkg/logx"
)

func addrOf(srv *httptest.Server) string { return strings.TrimPrefix(srv.URL, "http://") }

func TestDispenseSendsPlainQuantity(t *testing.T) {
	t.Parallel()

	var gotBody, gotType, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody, gotType, gotPath = string(b), r.Header.Get("Content-Type"), r.URL.Path
		_, _ = w.Write([]byte("dispensed\n"))
	}))
	defer srv.Close()

	c := New(Config{Address: addrOf(srv)}, logx.Nop())
	res := c.Dispense(context.Background(), 2.5)

	if !res.Success || res.Detail != "dispensed" || res.DeviceStatus != feeding.LinkConnected {
		t.Fatalf("unexpected result %+v", res)
	}
	if gotBody != "2.5" || gotType != "text/plain" || gotPath != "/feed" {
		t.Fatalf("request body=%q type=%q path=%q", gotBody, gotType, gotPath)
	}
}

func TestDispenseNon2xx(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "hopper jammed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	res := New(Config{Address: srv.URL + "/"}, logx.Nop()).Dispense(context.Background(), 1)
	if res.Success || res.DeviceStatus != feeding.LinkError {
		t.Fatalf("unexpected result %+v", res)
	}
	if !strings.Contains(res.Detail, "status 500") || !strings.Contains(res.Detail, "hopper jammed") {
		t.Fatalf("detail=%q", res.Detail)
	}
}

func TestDispenseTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := New(Config{Address: addrOf(srv), CommandTimeout: 50 * time.Millisecond}, logx.Nop())
	res := c.Dispense(context.Background(), 1)
	if res.Success || res.DeviceStatus != feeding.LinkDisconnected {
		t.Fatalf("unexpected result %+v", res)
	}
	if !strings.Contains(res.Detail, "did not respond within 50ms") {
		t.Fatalf("detail=%q", res.Detail)
	}
}

func TestDispenseUnreachableAndUnset(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := addrOf(srv)
	srv.Close()

	res := New(Config{Address: addr}, logx.Nop()).Dispense(context.Background(), 1)
	if res.Success || !strings.HasPrefix(res.Detail, "device unreachable") {
		t.Fatalf("unexpected result %+v", res)
	}

	res = New(Config{}, logx.Nop()).Dispense(context.Background(), 1)
	if res.Success || res.DeviceStatus != feeding.LinkError {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestTestModeSkipsNetwork(t *testing.T) {
	t.Parallel()

	for _, addr := range []string{"test", " MOCK "} {
		c := New(Config{Address: addr, TestDelay: 10 * time.Millisecond}, logx.Nop())
		start := time.Now()
		res := c.Dispense(context.Background(), 3)
		if !res.Success || res.DeviceStatus != feeding.LinkTestMode {
			t.Fatalf("%q: unexpected result %+v", addr, res)
		}
		if time.Since(start) < 10*time.Millisecond {
			t.Fatalf("%q: test delay not honored", addr)
		}
		if st := c.Probe(context.Background()); st != feeding.LinkTestMode {
			t.Fatalf("%q: probe=%q", addr, st)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := New(Config{Address: "test", TestDelay: time.Hour}, logx.Nop()).Dispense(ctx, 1)
	if res.Success {
		t.Fatal("canceled test dispense should fail")
	}
}

func TestProbeStatuses(t *testing.T) {
	t.Parallel()

	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ok.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer bad.Close()
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(30 * time.Millisecond)
	}))
	defer slow.Close()

	cases := []struct {
		addr string
		cfg  Config
		want feeding.LinkStatus
	}{
		{addr: addrOf(ok), want: feeding.LinkConnected},
		{addr: addrOf(bad), want: feeding.LinkPoor},
		{addr: addrOf(slow), cfg: Config{PoorLatency: 5 * time.Millisecond}, want: feeding.LinkPoor},
		{addr: addrOf(slow), cfg: Config{ProbeTimeout: 5 * time.Millisecond}, want: feeding.LinkDisconnected},
		{addr: "", want: feeding.LinkDisconnected},
	}
	for _, tc := range cases {
		cfg := tc.cfg
		cfg.Address = tc.addr
		if got := New(cfg, logx.Nop()).Probe(context.Background()); got != tc.want {
			t.Fatalf("probe %q: got %q want %q", tc.addr, got, tc.want)
		}
	}
}

func TestSetAddress(t *testing.T) {
	t.Parallel()

	c := New(Config{Address: "test"}, logx.Nop())
	c.SetAddress("http://10.0.0.9:8080/")
	if c.Address() != "10.0.0.9:8080" {
		t.Fatalf("address=%q", c.Address())
	}
}
