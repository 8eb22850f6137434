package upload

import (
	"context"
	"crypto/x509"
	"fmt"
	"log"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dotside-studios/nfc-readloop/buildinfo"
	"github.com/dotside-studios/nfc-readloop/nfc"
)

// Pool defaults
const (
	DefaultWorkers   = 2
	DefaultQueueSize = 16
)

// Config configures an Uploader.
type Config struct {
	PrimaryURL          string
	FallbackURL         string
	HTTPFallbackEnabled bool
	FailureBackoff      time.Duration
	BackoffPolicy       BackoffPolicy
	MaxFailureBackoff   time.Duration // exponential policy cap
	Timeout             time.Duration

	// RootCAs, if set, replaces the system pool for the primary strategy.
	RootCAs *x509.CertPool

	Identity Identity

	Workers   int
	QueueSize int
}

func (c *Config) applyDefaults() {
	if c.FailureBackoff <= 0 {
		c.FailureBackoff = DefaultFailureBackoff
	}
	if c.BackoffPolicy == "" {
		c.BackoffPolicy = PolicyConstant
	}
	if c.MaxFailureBackoff < c.FailureBackoff {
		c.MaxFailureBackoff = c.FailureBackoff
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
}

// Validate checks the endpoint URLs and the backoff policy.
func (c Config) Validate() error {
	if _, err := ParseBackoffPolicy(string(c.BackoffPolicy)); err != nil {
		return err
	}
	if _, err := primaryHost(c.PrimaryURL); err != nil {
		return err
	}
	if c.HTTPFallbackEnabled {
		u, err := url.Parse(c.FallbackURL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("invalid fallback URL %q", c.FallbackURL)
		}
	}
	return nil
}

func primaryHost(primary string) (string, error) {
	u, err := url.Parse(primary)
	if err != nil {
		return "", fmt.Errorf("invalid primary URL %q: %w", primary, err)
	}
	if u.Scheme != "https" || u.Hostname() == "" {
		return "", fmt.Errorf("primary URL %q must be an https URL with a host", primary)
	}
	return u.Hostname(), nil
}

// StrategyStats counts attempts and successes of one ladder strategy.
type StrategyStats struct {
	Attempts  int64
	Successes int64
}

// Stats is a snapshot of the uploader counters.
type Stats struct {
	Submitted  int64
	Suppressed int64
	Dropped    int64
	Delivered  int64
	Failed     int64
	Strategies map[Strategy]StrategyStats
	Deadline   time.Time
}

type strategyCounters struct {
	attempts, successes atomic.Int64
}

// Uploader reports reads to the collector. Submit never blocks: jobs are
// handed to a small worker pool and dropped when the pool is saturated or
// while the failure backoff is in effect.
type Uploader struct {
	clock   nfc.Clock
	logger  *log.Logger
	backoff *Backoff

	mu  sync.RWMutex
	cfg Config
	tr  *transports

	jobs    chan Job
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	startMu sync.Mutex
	started bool
	stopped bool

	submitted, suppressed, dropped, delivered, failed atomic.Int64
	perStrategy                                       map[Strategy]*strategyCounters
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithClock sets the clock used for the backoff deadline.
func WithClock(c nfc.Clock) Option {
	return func(u *Uploader) {
		u.clock = c
	}
}

// WithLogger sets the uploader logger.
func WithLogger(l *log.Logger) Option {
	return func(u *Uploader) {
		u.logger = l
	}
}

// New creates an Uploader. Call Start to launch its workers.
func New(cfg Config, opts ...Option) (*Uploader, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tr, err := newTransports(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	u := &Uploader{
		clock:       nfc.NewRealClock(),
		logger:      log.New(os.Stderr, "[upload] ", log.LstdFlags),
		backoff:     &Backoff{},
		cfg:         cfg,
		tr:          tr,
		jobs:        make(chan Job, cfg.QueueSize),
		ctx:         ctx,
		cancel:      cancel,
		perStrategy: make(map[Strategy]*strategyCounters, len(Strategies)),
	}
	u.backoff.Configure(cfg.BackoffPolicy, cfg.FailureBackoff, cfg.MaxFailureBackoff)
	for _, s := range Strategies {
		u.perStrategy[s] = &strategyCounters{}
	}
	for _, opt := range opts {
		opt(u)
	}
	return u, nil
}

// Start launches the worker pool.
func (u *Uploader) Start() {
	u.startMu.Lock()
	defer u.startMu.Unlock()
	if u.started || u.stopped {
		return
	}
	u.started = true

	u.mu.RLock()
	workers := u.cfg.Workers
	u.mu.RUnlock()

	for i := 0; i < workers; i++ {
		u.wg.Add(1)
		go u.worker()
	}
}

// Stop cancels in-flight deliveries and waits for the workers to exit.
// Queued jobs are discarded.
func (u *Uploader) Stop() {
	u.startMu.Lock()
	if u.stopped {
		u.startMu.Unlock()
		return
	}
	u.stopped = true
	u.startMu.Unlock()

	u.cancel()
	u.wg.Wait()

	u.mu.RLock()
	u.tr.closeIdle()
	u.mu.RUnlock()
}

// Configure swaps endpoints, timeouts and the backoff window at runtime.
// The backoff deadline already in effect is kept.
func (u *Uploader) Configure(cfg Config) error {
	u.mu.RLock()
	cfg.Workers = u.cfg.Workers
	cfg.QueueSize = u.cfg.QueueSize
	u.mu.RUnlock()

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	tr, err := newTransports(cfg)
	if err != nil {
		return err
	}

	u.mu.Lock()
	old := u.tr
	u.cfg = cfg
	u.tr = tr
	u.mu.Unlock()

	old.closeIdle()
	u.backoff.Configure(cfg.BackoffPolicy, cfg.FailureBackoff, cfg.MaxFailureBackoff)
	u.logger.Printf("Upload configuration updated (primary=%s, fallback enabled=%v, backoff=%s %s)",
		cfg.PrimaryURL, cfg.HTTPFallbackEnabled, cfg.BackoffPolicy, cfg.FailureBackoff)
	return nil
}

// Backoff exposes the failure deadline.
func (u *Uploader) Backoff() *Backoff {
	return u.backoff
}

// Submit hands job to the worker pool. It drops the job, logging why,
// while the backoff deadline is in the future or when every worker is
// busy and the hand-off buffer is full.
func (u *Uploader) Submit(job Job) {
	u.submitted.Add(1)

	now := u.clock.Now()
	if !u.backoff.Allowed(now) {
		u.suppressed.Add(1)
		u.logger.Printf("Upload of read #%d suppressed until %s", job.Counter,
			u.backoff.Deadline().Format(time.RFC3339))
		return
	}

	select {
	case <-u.ctx.Done():
		u.dropped.Add(1)
		return
	default:
	}

	select {
	case u.jobs <- job:
	default:
		u.dropped.Add(1)
		u.logger.Printf("Upload queue full, dropping read #%d", job.Counter)
	}
}

// Stats returns a snapshot of the uploader counters.
func (u *Uploader) Stats() Stats {
	s := Stats{
		Submitted:  u.submitted.Load(),
		Suppressed: u.suppressed.Load(),
		Dropped:    u.dropped.Load(),
		Delivered:  u.delivered.Load(),
		Failed:     u.failed.Load(),
		Strategies: make(map[Strategy]StrategyStats, len(u.perStrategy)),
		Deadline:   u.backoff.Deadline(),
	}
	for name, c := range u.perStrategy {
		s.Strategies[name] = StrategyStats{Attempts: c.attempts.Load(), Successes: c.successes.Load()}
	}
	return s
}

func (u *Uploader) worker() {
	defer u.wg.Done()
	for {
		select {
		case <-u.ctx.Done():
			return
		case job := <-u.jobs:
			u.process(job)
		}
	}
}

func (u *Uploader) process(job Job) {
	// the deadline may have moved while the job sat in the buffer
	if !u.backoff.Allowed(u.clock.Now()) {
		u.suppressed.Add(1)
		u.logger.Printf("Upload of read #%d suppressed by a failure in the meantime", job.Counter)
		return
	}

	u.mu.RLock()
	cfg, tr := u.cfg, u.tr
	u.mu.RUnlock()

	req := request{
		body:      EncodeForm(cfg.Identity, job),
		userAgent: buildinfo.UserAgent(cfg.Identity.DevType),
	}
	used, err := u.deliver(u.ctx, cfg, tr, req)
	if err != nil {
		u.failed.Add(1)
		deadline := u.backoff.Trip(u.clock.Now())
		u.logger.Printf("Upload of read #%d failed, backing off until %s: %v",
			job.Counter, deadline.Format(time.RFC3339), err)
		return
	}
	u.delivered.Add(1)
	u.backoff.Succeeded()
	u.logger.Printf("Uploaded read #%d (%s) via %s", job.Counter, job.UID, used)
}

// deliver climbs the ladder: strict HTTPS, then relaxed trust only after a
// trust failure, then plaintext when enabled. It returns the strategy that
// succeeded or the last error.
func (u *Uploader) deliver(ctx context.Context, cfg Config, tr *transports, req request) (Strategy, error) {
	err := u.attempt(ctx, tr, StrategyHTTPS, cfg.PrimaryURL, req)
	if err == nil {
		return StrategyHTTPS, nil
	}
	u.logger.Printf("Primary upload failed: %v", err)

	if IsTrustError(err) {
		err = u.attempt(ctx, tr, StrategyRelaxedTLS, cfg.PrimaryURL, req)
		if err == nil {
			return StrategyRelaxedTLS, nil
		}
		u.logger.Printf("Relaxed-trust upload failed: %v", err)
	}

	if cfg.HTTPFallbackEnabled && cfg.FallbackURL != "" {
		err = u.attempt(ctx, tr, StrategyHTTP, cfg.FallbackURL, req)
		if err == nil {
			return StrategyHTTP, nil
		}
		u.logger.Printf("HTTP fallback upload failed: %v", err)
	}
	return "", err
}

func (u *Uploader) attempt(ctx context.Context, tr *transports, s Strategy, target string, req request) error {
	c := u.perStrategy[s]
	c.attempts.Add(1)
	if err := post(ctx, tr.client(s), target, req); err != nil {
		return fmt.Errorf("%s: %w", s, err)
	}
	c.successes.Add(1)
	return nil
}
