package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/resume-corpus-crawler/internal/retry"
)

// Stats is a snapshot of pool occupancy. Outside of an in-flight Acquire or
// Replace, Idle+Borrowed equals Capacity.
type Stats struct {
	Capacity int `json:"capacity"`
	Idle     int `json:"idle"`
	Borrowed int `json:"borrowed"`
	Replaced int `json:"replaced"`
}

// Pool is a fixed-capacity set of sessions with take/return semantics.
type Pool struct {
	factory  Factory
	capacity int
	idle     chan Session
	backoff  retry.Policy
	logger   *zap.Logger

	// lifetime bounds replacement creation; canceled by Close.
	lifetime context.Context
	stop     context.CancelFunc
	done     chan struct{}

	mu       sync.Mutex
	borrowed int
	replaced int
	closed   bool
}

// PoolOption customises a Pool.
type PoolOption func(*Pool)

// WithReplacementBackoff overrides the backoff used when recreating sessions.
func WithReplacementBackoff(p retry.Policy) PoolOption {
	return func(pool *Pool) {
		if p != nil {
			pool.backoff = p
		}
	}
}

// NewPool provisions capacity sessions up front. If any session fails to start,
// the ones already created are closed and the error is returned.
func NewPool(ctx context.Context, factory Factory, capacity int, logger *zap.Logger, opts ...PoolOption) (*Pool, error) {
	if factory == nil {
		return nil, errors.New("session factory is required")
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("pool capacity must be > 0, got %d", capacity)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	lifetime, stop := context.WithCancel(context.Background())
	p := &Pool{
		factory:  factory,
		capacity: capacity,
		idle:     make(chan Session, capacity),
		backoff:  retry.NewExponentialPolicy(0, 500*time.Millisecond, 30*time.Second),
		logger:   logger,
		lifetime: lifetime,
		stop:     stop,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	for i := 0; i < capacity; i++ {
		s, err := factory.New(ctx)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("start session %d of %d: %w", i+1, capacity, err)
		}
		p.idle <- s
	}
	logger.Info("session pool ready", zap.Int("capacity", capacity))
	return p, nil
}

// Capacity returns the configured number of sessions.
func (p *Pool) Capacity() int {
	return p.capacity
}

// Acquire blocks until a session is free, ctx ends, or the pool closes.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire session: %w", ctx.Err())
	case <-p.done:
		return nil, ErrPoolClosed
	case s := <-p.idle:
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.closeSession(s)
			return nil, ErrPoolClosed
		}
		p.borrowed++
		p.mu.Unlock()
		return &Lease{pool: p, session: s}, nil
	}
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Capacity: p.capacity,
		Idle:     len(p.idle),
		Borrowed: p.borrowed,
		Replaced: p.replaced,
	}
}

// Close destroys every idle session. Sessions still leased are destroyed when
// their lease ends. Close is idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.stop()
	var drained []Session
	for {
		select {
		case s := <-p.idle:
			drained = append(drained, s)
			continue
		default:
		}
		break
	}
	p.mu.Unlock()

	for _, s := range drained {
		p.closeSession(s)
	}
	p.logger.Info("session pool closed", zap.Int("sessions_closed", len(drained)))
}

func (p *Pool) release(s Session) {
	p.mu.Lock()
	p.borrowed--
	if p.closed {
		p.mu.Unlock()
		p.closeSession(s)
		return
	}
	// Never blocks: idle+borrowed never exceeds capacity.
	p.idle <- s
	p.mu.Unlock()
}

func (p *Pool) replace(old Session) error {
	p.closeSession(old)

	fresh, err := p.create()
	p.mu.Lock()
	p.borrowed--
	if err != nil || p.closed {
		p.mu.Unlock()
		if fresh != nil {
			p.closeSession(fresh)
		}
		if err == nil {
			err = ErrPoolClosed
		}
		return fmt.Errorf("replace session %s: %w", old.ID(), err)
	}
	p.replaced++
	p.idle <- fresh
	p.mu.Unlock()

	p.logger.Info("session replaced",
		zap.String("old_session_id", old.ID()),
		zap.String("session_id", fresh.ID()),
	)
	return nil
}

// create keeps trying the factory until it succeeds or the pool closes, so that
// a flaky browser launch never permanently shrinks capacity.
func (p *Pool) create() (Session, error) {
	for attempt := 0; ; attempt++ {
		s, err := p.factory.New(p.lifetime)
		if err == nil {
			return s, nil
		}
		if p.lifetime.Err() != nil {
			return nil, ErrPoolClosed
		}
		wait := p.backoff.Backoff(attempt)
		p.logger.Warn("session creation failed; retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if sleepErr := retry.Sleep(p.lifetime, wait); sleepErr != nil {
			return nil, ErrPoolClosed
		}
	}
}

func (p *Pool) closeSession(s Session) {
	if s == nil {
		return
	}
	if err := s.Close(); err != nil {
		p.logger.Warn("session close failed", zap.String("session_id", s.ID()), zap.Error(err))
	}
}

// Lease is exclusive, scoped ownership of one session. Callers should
// `defer lease.Release()` immediately after Acquire; Release after Replace is a
// no-op, so the deferred call is always safe.
type Lease struct {
	pool    *Pool
	session Session
	once    sync.Once
}

// Session returns the leased session.
func (l *Lease) Session() Session {
	return l.session
}

// Release hands the session back to the pool.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.pool.release(l.session)
	})
}

// Replace destroys the leased session and inserts a fresh one into the pool.
// It returns an error only when the pool closed before a replacement was made.
func (l *Lease) Replace() error {
	var err error
	ran := false
	l.once.Do(func() {
		ran = true
		err = l.pool.replace(l.session)
	})
	if !ran {
		return errors.New("lease already ended")
	}
	return err
}
