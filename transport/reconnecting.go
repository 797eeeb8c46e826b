package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"cborpc/observability"
)

// ErrGaveUp wraps the last dial error once MaxRetries is exhausted.
var ErrGaveUp = errors.New("transport: gave up redialing")

// ReconnectConfig tunes a reconnecting transport.
type ReconnectConfig struct {
	Backoff BackoffConfig
	// MaxRetries is the number of consecutive failed dials before giving up;
	// 0 retries forever.
	MaxRetries int
	// QueueSize bounds frames waiting for a live link.
	QueueSize int
	// DialTimeout bounds a single dial attempt.
	DialTimeout time.Duration
	// DialRate caps dial attempts per second regardless of backoff, with
	// DialBurst attempts allowed back to back.
	DialRate  float64
	DialBurst int
}

// DefaultReconnectConfig mirrors the browser reconnecting-websocket defaults:
// 1s growing by 1.3 up to 10s, unlimited retries.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		Backoff: BackoffConfig{
			InitialDelay: time.Second,
			Multiplier:   1.3,
			MaxDelay:     10 * time.Second,
			Jitter:       true,
		},
		QueueSize:   256,
		DialTimeout: 5 * time.Second,
		DialRate:    2,
		DialBurst:   1,
	}
}

// Reconnecting is a Transport that keeps one Link alive by redialing with
// backoff. Frames sent while no link is up wait in a bounded queue and are
// flushed, in order, once one is. A frame whose write fails is retried on the
// next link.
type Reconnecting struct {
	dial    DialFunc
	cfg     ReconnectConfig
	limiter *rate.Limiter
	rng     *rand.Rand
	log     *zap.Logger

	queue chan []byte
	out   chan Message

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	connected bool
	lastErr   error
}

// NewReconnecting starts dialing immediately. A nil logger is replaced by a
// no-op one.
func NewReconnecting(dial DialFunc, cfg ReconnectConfig, log *zap.Logger) *Reconnecting {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultReconnectConfig().QueueSize
	}
	limit := rate.Inf
	if cfg.DialRate > 0 {
		limit = rate.Limit(cfg.DialRate)
	}
	if cfg.DialBurst <= 0 {
		cfg.DialBurst = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Reconnecting{
		dial:    dial,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.DialBurst),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		log:     log,
		queue:   make(chan []byte, cfg.QueueSize),
		out:     make(chan Message),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Send queues frame for the current or next link. It returns ErrQueueFull
// when QueueSize frames are already waiting.
func (r *Reconnecting) Send(ctx context.Context, frame []byte) error {
	select {
	case <-r.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	select {
	case r.queue <- frame:
		return nil
	default:
		return ErrQueueFull
	}
}

func (r *Reconnecting) Messages() <-chan Message { return r.out }

// Connected reports whether a link is currently up.
func (r *Reconnecting) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// Err returns the error that made the transport give up, if any.
func (r *Reconnecting) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Done is closed once the transport has stopped for good.
func (r *Reconnecting) Done() <-chan struct{} { return r.done }

func (r *Reconnecting) Close() error {
	r.cancel()
	<-r.done
	return nil
}

func (r *Reconnecting) run() {
	defer close(r.done)
	defer close(r.out)
	defer r.cancel()

	var held []byte // frame whose write failed, resent first on the next link
	failures := 0
	everConnected := false
	for {
		if err := r.limiter.Wait(r.ctx); err != nil {
			return
		}
		link, err := r.dialOnce()
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			failures++
			if r.cfg.MaxRetries > 0 && failures >= r.cfg.MaxRetries {
				r.log.Warn("giving up redial", zap.Int("attempts", failures), zap.Error(err))
				r.setState(false, fmt.Errorf("%w: %w", ErrGaveUp, err))
				return
			}
			delay := NextBackoffDelay(r.cfg.Backoff, failures, r.rng)
			r.log.Debug("dial failed", zap.Int("attempt", failures), zap.Duration("retry_in", delay), zap.Error(err))
			if !r.sleep(delay) {
				return
			}
			continue
		}

		failures = 0
		if everConnected {
			observability.RecordReconnect()
			r.log.Info("link reestablished")
		}
		everConnected = true
		r.setState(true, nil)

		held, err = r.serve(link, held)
		r.setState(false, nil)
		if r.ctx.Err() != nil {
			return
		}
		r.log.Info("link dropped", zap.Error(err))
	}
}

func (r *Reconnecting) dialOnce() (Link, error) {
	ctx := r.ctx
	if r.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(r.ctx, r.cfg.DialTimeout)
		defer cancel()
	}
	return r.dial(ctx)
}

// serve pumps one link until it fails or the transport closes. It returns
// the frame that was being written when the link failed, if any.
func (r *Reconnecting) serve(link Link, held []byte) ([]byte, error) {
	readErr := make(chan error, 1)
	readDone := make(chan struct{})
	stop := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			msg, err := link.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case r.out <- msg:
			case <-stop:
				return
			case <-r.ctx.Done():
				return
			}
		}
	}()
	defer func() {
		close(stop)
		_ = link.Close()
		<-readDone
	}()

	for {
		if held != nil {
			if err := link.WriteMessage(Message{Kind: Binary, Data: held}); err != nil {
				return held, err
			}
			held = nil
		}
		select {
		case frame := <-r.queue:
			held = frame
		case err := <-readErr:
			return nil, err
		case <-r.ctx.Done():
			return nil, r.ctx.Err()
		}
	}
}

func (r *Reconnecting) sleep(d time.Duration) bool {
	if d <= 0 {
		return r.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.ctx.Done():
		return false
	}
}

func (r *Reconnecting) setState(connected bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = connected
	if err != nil {
		r.lastErr = err
	}
}
