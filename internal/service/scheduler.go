package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/GoPolymarket/tradefeed/internal/config"
	"github.com/GoPolymarket/tradefeed/internal/exchange"
	"github.com/GoPolymarket/tradefeed/internal/model"
	"github.com/GoPolymarket/tradefeed/internal/pkg/logger"
	"github.com/GoPolymarket/tradefeed/internal/pkg/metrics"
	"github.com/GoPolymarket/tradefeed/internal/repository"
	"github.com/GoPolymarket/tradefeed/internal/vault"
	"golang.org/x/sync/semaphore"
)

type TriggerStatus string

const (
	TriggerStarted        TriggerStatus = "started"
	TriggerAlreadyRunning TriggerStatus = "already_running"
)

var (
	ErrCredentialInactive  = errors.New("credential is inactive")
	ErrUnsupportedExchange = errors.New("exchange is not supported")
	ErrSchedulerStopped    = errors.New("scheduler stopped")

	errNotDue = errors.New("credential is not due")
)

const (
	bookkeepingTimeout = 5 * time.Second
	maxLastErrorLen    = 512
)

type SchedulerConfig struct {
	TickInterval    time.Duration
	MaxConcurrency  int64
	MaxFailures     int
	MaxAttempts     int
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	AdapterTimeout  time.Duration
	CycleTimeout    time.Duration
	InitialLookback time.Duration
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		TickInterval:    time.Minute,
		MaxConcurrency:  8,
		MaxFailures:     5,
		MaxAttempts:     4,
		BaseBackoff:     time.Second,
		MaxBackoff:      30 * time.Second,
		AdapterTimeout:  30 * time.Second,
		CycleTimeout:    5 * time.Minute,
		InitialLookback: 30 * 24 * time.Hour,
	}
}

// SchedulerConfigFrom converts the sync config section. Non-positive values
// keep their defaults.
func SchedulerConfigFrom(c config.SyncConfig) SchedulerConfig {
	out := DefaultSchedulerConfig()
	if c.TickIntervalSeconds > 0 {
		out.TickInterval = time.Duration(c.TickIntervalSeconds) * time.Second
	}
	if c.MaxConcurrency > 0 {
		out.MaxConcurrency = int64(c.MaxConcurrency)
	}
	if c.MaxFailures > 0 {
		out.MaxFailures = c.MaxFailures
	}
	if c.MaxAttempts > 0 {
		out.MaxAttempts = c.MaxAttempts
	}
	if c.BaseBackoffMs > 0 {
		out.BaseBackoff = time.Duration(c.BaseBackoffMs) * time.Millisecond
	}
	if c.MaxBackoffMs > 0 {
		out.MaxBackoff = time.Duration(c.MaxBackoffMs) * time.Millisecond
	}
	if c.AdapterTimeoutSecs > 0 {
		out.AdapterTimeout = time.Duration(c.AdapterTimeoutSecs) * time.Second
	}
	if c.CycleTimeoutSecs > 0 {
		out.CycleTimeout = time.Duration(c.CycleTimeoutSecs) * time.Second
	}
	if c.InitialLookbackHours > 0 {
		out.InitialLookback = time.Duration(c.InitialLookbackHours) * time.Hour
	}
	return out
}

// IsDue reports whether c should be picked up by an automatic pass.
func IsDue(c *model.ExchangeCredential, now time.Time) bool {
	if c == nil || !c.Active || !c.AutoSync {
		return false
	}
	if c.LastSyncAt == nil {
		return true
	}
	return now.Sub(*c.LastSyncAt) >= c.Interval()
}

type inflight struct {
	cancel context.CancelFunc
}

// Scheduler runs sync cycles per (user, exchange). At most one cycle per
// pair is in flight, and at most MaxConcurrency cycles hold a fetch slot.
type Scheduler struct {
	cfg      SchedulerConfig
	creds    CredentialStore
	vault    *vault.Vault
	adapters *exchange.Registry
	ingestor *Ingestor
	locker   PairLocker
	sem      *semaphore.Weighted

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	running map[string]*inflight
	stopped bool
	cycles  sync.WaitGroup

	baseCtx   context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	loopDone  chan struct{}
}

func NewScheduler(cfg SchedulerConfig, creds CredentialStore, v *vault.Vault, adapters *exchange.Registry, ingestor *Ingestor, locker PairLocker) *Scheduler {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if locker == nil {
		locker = NewLocalLocker()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:      cfg,
		creds:    creds,
		vault:    v,
		adapters: adapters,
		ingestor: ingestor,
		locker:   locker,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrency),
		now:      time.Now,
		sleep:    sleepCtx,
		running:  make(map[string]*inflight),
		baseCtx:  ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
	}
}

// Trigger starts a cycle for one pair regardless of its interval. It returns
// as soon as the cycle is launched.
func (s *Scheduler) Trigger(ctx context.Context, userID int64, ex model.Exchange) (TriggerStatus, error) {
	if !s.adapters.Supports(ex) {
		return "", ErrUnsupportedExchange
	}
	rec, err := s.creds.Get(ctx, userID, ex)
	if err != nil {
		return "", err
	}
	if !rec.Active {
		return "", ErrCredentialInactive
	}
	return s.launch(ctx, rec.UserID, rec.Exchange, false)
}

// RunDue runs one scheduling pass and returns how many cycles it started.
func (s *Scheduler) RunDue(ctx context.Context) int {
	list, err := s.creds.ListAutoSync(ctx)
	if err != nil {
		logger.LogError(ctx, err, "list auto-sync credentials")
		return 0
	}

	now := s.now()
	started := 0
	for _, c := range list {
		if !IsDue(c, now) || !s.adapters.Supports(c.Exchange) {
			continue
		}
		status, err := s.launch(ctx, c.UserID, c.Exchange, true)
		if errors.Is(err, ErrSchedulerStopped) {
			break
		}
		// Changed since the listing: deactivated, unlinked or synced elsewhere.
		if errors.Is(err, ErrCredentialInactive) || errors.Is(err, repository.ErrNotFound) || errors.Is(err, errNotDue) {
			continue
		}
		if err != nil {
			logger.LogError(ctx, err, "start sync cycle", "user_id", c.UserID, "exchange", c.Exchange)
			continue
		}
		if status == TriggerStarted {
			started++
		}
	}
	return started
}

// Start runs a pass immediately and then on every tick until Stop.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		go func() {
			defer close(s.loopDone)
			ticker := time.NewTicker(s.cfg.TickInterval)
			defer ticker.Stop()

			for {
				if n := s.RunDue(s.baseCtx); n > 0 {
					logger.Debug("sync pass", "started", n)
				}
				select {
				case <-s.baseCtx.Done():
					return
				case <-ticker.C:
				}
			}
		}()
	})
}

// Stop cancels in-flight cycles and waits for them to return.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()

		s.cancel()
		// Consume the start slot so a late Start is a no-op.
		s.startOnce.Do(func() { close(s.loopDone) })
		<-s.loopDone
		s.cycles.Wait()
	})
}

// Cancel aborts the in-flight cycle for a pair, if any.
func (s *Scheduler) Cancel(userID int64, ex model.Exchange) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.running[pairKey(userID, ex)]
	if ok {
		f.cancel()
	}
	return ok
}

// Running reports whether a cycle for the pair is in flight in this process.
func (s *Scheduler) Running(userID int64, ex model.Exchange) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[pairKey(userID, ex)]
	return ok
}

// launch takes the pair lock, registers the cycle and then re-reads the
// credential, so a deactivate that lands after the read finds the cycle
// registered and cancels it. With auto set the pair must still be due.
func (s *Scheduler) launch(ctx context.Context, userID int64, ex model.Exchange, auto bool) (TriggerStatus, error) {
	key := pairKey(userID, ex)

	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return "", ErrSchedulerStopped
	}

	release, ok, err := s.locker.TryLock(ctx, key)
	if err != nil {
		return "", fmt.Errorf("acquire sync lock: %w", err)
	}
	if !ok {
		return TriggerAlreadyRunning, nil
	}

	cycleCtx, cancel := context.WithTimeout(s.baseCtx, s.cfg.CycleTimeout)
	f := &inflight{cancel: cancel}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		cancel()
		release()
		return "", ErrSchedulerStopped
	}
	s.running[key] = f
	s.cycles.Add(1)
	s.mu.Unlock()

	abort := func(err error) (TriggerStatus, error) {
		s.mu.Lock()
		if s.running[key] == f {
			delete(s.running, key)
		}
		s.mu.Unlock()
		cancel()
		release()
		s.cycles.Done()
		return "", err
	}

	rec, err := s.creds.Get(ctx, userID, ex)
	switch {
	case err != nil:
		return abort(err)
	case !rec.Active:
		return abort(ErrCredentialInactive)
	case auto && !IsDue(rec, s.now()):
		return abort(errNotDue)
	}

	go s.runCycle(cycleCtx, f, key, release, rec)
	return TriggerStarted, nil
}

func (s *Scheduler) runCycle(ctx context.Context, f *inflight, key string, release func(), rec *model.ExchangeCredential) {
	defer s.cycles.Done()
	defer release()
	defer func() {
		s.mu.Lock()
		if s.running[key] == f {
			delete(s.running, key)
		}
		s.mu.Unlock()
		f.cancel()
	}()

	log := logger.With("user_id", rec.UserID, "exchange", rec.Exchange)
	exName := string(rec.Exchange)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		log.Debug("sync cycle cancelled before start")
		metrics.SyncCycles.WithLabelValues(exName, "cancelled").Inc()
		return
	}
	defer s.sem.Release(1)

	metrics.SyncInFlight.Inc()
	defer metrics.SyncInFlight.Dec()

	start := s.now()
	res, err := s.cycle(ctx, rec, start)
	switch {
	case err == nil:
		metrics.SyncCycles.WithLabelValues(exName, "success").Inc()
		metrics.SyncDuration.WithLabelValues(exName).Observe(s.now().Sub(start).Seconds())
		log.Info("sync cycle completed",
			"inserted", res.Inserted,
			"updated", res.Updated,
			"unchanged", res.Unchanged,
			"skipped", len(res.Skipped),
		)
	case errors.Is(ctx.Err(), context.Canceled):
		metrics.SyncCycles.WithLabelValues(exName, "cancelled").Inc()
		log.Info("sync cycle cancelled")
	default:
		metrics.SyncCycles.WithLabelValues(exName, "failure").Inc()
		s.recordFailure(ctx, rec, err)
	}
}

func (s *Scheduler) cycle(ctx context.Context, rec *model.ExchangeCredential, start time.Time) (*IngestResult, error) {
	adapter, ok := s.adapters.Lookup(rec.Exchange)
	if !ok {
		return nil, ErrUnsupportedExchange
	}

	since := start.Add(-s.cfg.InitialLookback)
	if rec.LastSyncAt != nil {
		since = *rec.LastSyncAt
	}

	raws, err := vault.Unseal(s.vault, rec, func(creds vault.Credentials) ([]exchange.RawTrade, error) {
		return s.fetchWithRetry(ctx, adapter, creds, since)
	})
	if err != nil {
		return nil, err
	}

	res, err := s.ingestor.Ingest(ctx, rec.UserID, rec.Exchange, raws)
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	for _, skipped := range res.Skipped {
		logger.Warn("skipped malformed trade",
			"user_id", rec.UserID,
			"exchange", rec.Exchange,
			"index", skipped.Index,
			"trade_id", skipped.TradeID,
			"reason", skipped.Reason,
		)
	}

	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()
	if err := s.creds.RecordSyncSuccess(bctx, rec.UserID, rec.Exchange, start); err != nil {
		return res, fmt.Errorf("record sync success: %w", err)
	}
	return res, nil
}

func (s *Scheduler) fetchWithRetry(ctx context.Context, adapter exchange.Adapter, creds vault.Credentials, since time.Time) ([]exchange.RawTrade, error) {
	name := adapter.Name()
	for attempt := 1; ; attempt++ {
		if err := s.adapters.Wait(ctx, name); err != nil {
			return nil, err
		}

		actx, cancel := context.WithTimeout(ctx, s.cfg.AdapterTimeout)
		raws, err := adapter.FetchTrades(actx, creds, since)
		cancel()
		if err == nil {
			return raws, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var exErr *exchange.Error
		if !errors.As(err, &exErr) {
			err = exchange.NewError(exchange.KindTransport, name, err)
		}
		if !exchange.IsRetryable(err) || attempt >= s.cfg.MaxAttempts {
			return nil, err
		}

		delay := s.backoff(attempt, exchange.RetryAfter(err))
		metrics.SyncRetries.WithLabelValues(string(name), exchange.KindOf(err).String()).Inc()
		logger.Debug("retrying exchange fetch",
			"exchange", name,
			"attempt", attempt,
			"delay", delay.String(),
			"error", err.Error(),
		)
		if err := s.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// backoff doubles from BaseBackoff up to MaxBackoff. A server hint wins when
// it is longer.
func (s *Scheduler) backoff(attempt int, retryAfter time.Duration) time.Duration {
	d := s.cfg.BaseBackoff
	for i := 1; i < attempt && d < s.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > s.cfg.MaxBackoff {
		d = s.cfg.MaxBackoff
	}
	if retryAfter > d {
		d = retryAfter
	}
	return d
}

func (s *Scheduler) recordFailure(ctx context.Context, rec *model.ExchangeCredential, cause error) {
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	msg := cause.Error()
	if len(msg) > maxLastErrorLen {
		msg = msg[:maxLastErrorLen]
	}

	updated, deactivated, err := s.creds.RecordSyncFailure(bctx, rec.UserID, rec.Exchange, msg, s.cfg.MaxFailures, s.now())
	if err != nil {
		logger.LogError(bctx, err, "record sync failure", "user_id", rec.UserID, "exchange", rec.Exchange)
		return
	}
	logger.Warn("sync cycle failed",
		"user_id", rec.UserID,
		"exchange", rec.Exchange,
		"consecutive_failures", updated.ConsecutiveFailures,
		"error", msg,
	)
	if deactivated {
		metrics.CredentialDeactivations.WithLabelValues(string(rec.Exchange)).Inc()
		logger.Warn("credential deactivated after repeated failures",
			"user_id", rec.UserID,
			"exchange", rec.Exchange,
		)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
