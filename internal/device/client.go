package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"farmfeed/internal/feeding"
	logx "farmfeed/pkg/logx"
)

// Config for the feeding device link. Zero durations take the defaults.
type Config struct {
	Address        string
	ProbeTimeout   time.Duration // default 5s
	CommandTimeout time.Duration // default 15s
	TestDelay      time.Duration // default 2s
	PoorLatency    time.Duration // default 2s
}

// Result of a dispense command. Transport errors are folded into Detail;
// callers never see a raw error.
type Result struct {
	Success      bool
	Detail       string
	DeviceStatus feeding.LinkStatus
}

const maxBody = 4 << 10

// Client talks plain HTTP to the feeder controller:
//
//	GET  http://{addr}/      reachability probe
//	POST http://{addr}/feed  body: decimal quantity, text/plain
//
// Addresses "test" and "mock" never touch the network.
type Client struct {
	mu   sync.RWMutex
	cfg  Config
	http *http.Client
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{http: &http.Client{}, log: log}
	c.Apply(cfg)
	return c
}

func withDefaults(cfg Config) Config {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 15 * time.Second
	}
	if cfg.TestDelay <= 0 {
		cfg.TestDelay = 2 * time.Second
	}
	if cfg.PoorLatency <= 0 {
		cfg.PoorLatency = 2 * time.Second
	}
	cfg.Address = normalizeAddress(cfg.Address)
	return cfg
}

// Apply replaces the whole config, address included.
func (c *Client) Apply(cfg Config) {
	cfg = withDefaults(cfg)
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

func (c *Client) SetAddress(addr string) {
	addr = normalizeAddress(addr)
	c.mu.Lock()
	prev := c.cfg.Address
	c.cfg.Address = addr
	c.mu.Unlock()
	if prev != addr {
		c.log.Info("device address changed", logx.String("from", prev), logx.String("to", addr))
	}
}

func (c *Client) Address() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.Address
}

func (c *Client) config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// IsTestAddress reports whether addr selects the simulated device.
func IsTestAddress(addr string) bool {
	a := strings.ToLower(strings.TrimSpace(addr))
	return a == "test" || a == "mock"
}

func normalizeAddress(addr string) string {
	a := strings.TrimSpace(addr)
	a = strings.TrimPrefix(a, "http://")
	return strings.TrimRight(a, "/")
}

// Probe is informational only; its result never blocks a dispense.
func (c *Client) Probe(ctx context.Context) feeding.LinkStatus {
	cfg := c.config()
	if IsTestAddress(cfg.Address) {
		return feeding.LinkTestMode
	}
	if cfg.Address == "" {
		return feeding.LinkDisconnected
	}

	pctx, cancel := context.WithTimeout(ctx, cfg.ProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(pctx, http.MethodGet, "http://"+cfg.Address+"/", nil)
	if err != nil {
		return feeding.LinkDisconnected
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("device probe failed", logx.String("addr", cfg.Address), logx.Err(err))
		return feeding.LinkDisconnected
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
	_ = resp.Body.Close()
	took := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode > 299 || took > cfg.PoorLatency {
		c.log.Debug("device probe degraded", logx.Int("status", resp.StatusCode), logx.Duration("took", took))
		return feeding.LinkPoor
	}
	return feeding.LinkConnected
}

// Dispense asks the device to release quantity units of feed.
func (c *Client) Dispense(ctx context.Context, quantity float64) Result {
	cfg := c.config()
	if IsTestAddress(cfg.Address) {
		return simulate(ctx, cfg.TestDelay)
	}
	if cfg.Address == "" {
		return Result{Detail: "device address not configured", DeviceStatus: feeding.LinkError}
	}

	cctx, cancel := context.WithTimeout(ctx, cfg.CommandTimeout)
	defer cancel()
	body := strconv.FormatFloat(quantity, 'f', -1, 64)
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, "http://"+cfg.Address+"/feed", strings.NewReader(body))
	if err != nil {
		return Result{Detail: fmt.Sprintf("invalid device address %q: %v", cfg.Address, err), DeviceStatus: feeding.LinkError}
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return Result{Detail: fmt.Sprintf("device did not respond within %s", cfg.CommandTimeout), DeviceStatus: feeding.LinkDisconnected}
		}
		return Result{Detail: "device unreachable: " + err.Error(), DeviceStatus: feeding.LinkDisconnected}
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	text := strings.TrimSpace(string(b))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{
			Detail:       fmt.Sprintf("device responded with status %d: %s", resp.StatusCode, text),
			DeviceStatus: feeding.LinkError,
		}
	}
	if text == "" {
		text = "OK"
	}
	return Result{Success: true, Detail: text, DeviceStatus: feeding.LinkConnected}
}

func simulate(ctx context.Context, delay time.Duration) Result {
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return Result{Success: true, Detail: "Test mode: feeding simulated", DeviceStatus: feeding.LinkTestMode}
	case <-ctx.Done():
		return Result{Detail: "test dispense canceled: " + ctx.Err().Error(), DeviceStatus: feeding.LinkTestMode}
	}
}
