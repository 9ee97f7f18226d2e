package signals

import (
	"context"
	"net"
	"net/url"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/payrollsync/internal/errors"
	"github.com/kimhsiao/payrollsync/internal/logging"
)

// DialFunc opens a connection. It matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// ProberConfig configures a Prober.
type ProberConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Prober derives connectivity from periodic TCP dials to the server.
// Host focus events still come from outside through Focus.
type Prober struct {
	*Manual

	addr     string
	interval time.Duration
	timeout  time.Duration
	dial     DialFunc

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewProber creates a Prober for the host of baseURL. It starts online so
// the first pass is not held back until the first probe.
func NewProber(baseURL string, cfg ProberConfig) (*Prober, error) {
	addr, err := ProbeAddr(baseURL)
	if err != nil {
		return nil, err
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Prober{
		Manual:   NewManual(true),
		addr:     addr,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		dial:     (&net.Dialer{}).DialContext,
	}, nil
}

// WithDialer replaces the dial function.
func (p *Prober) WithDialer(dial DialFunc) *Prober {
	p.dial = dial
	return p
}

// ProbeAddr returns host:port for baseURL, defaulting the port by scheme.
func ProbeAddr(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return "", apperrors.New(apperrors.ErrConfig, "probe needs an absolute server URL")
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	port := "80"
	if u.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// Check runs one probe and updates connectivity.
func (p *Prober) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := p.dial(ctx, "tcp", p.addr)
	if err != nil {
		logging.Debug("Connectivity probe failed", map[string]interface{}{
			"addr":  p.addr,
			"error": err.Error(),
		})
		p.SetOnline(false)
		return false
	}
	conn.Close()
	p.SetOnline(true)
	return true
}

// Start probes immediately and then on every interval until Stop.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(ctx)
}

func (p *Prober) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}

// Stop ends probing and waits for the loop to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
}

var _ Signals = (*Prober)(nil)
