package inflight

import (
	"fmt"
	"sync"
	"time"

	"github.com/TheSmallBoat/inflight/instrumentation"
	"github.com/TheSmallBoat/inflight/wire"
	"github.com/rs/zerolog"
	"github.com/valyala/bytebufferpool"
)

type State uint8

const (
	StateCreated State = iota
	StateSent
	StateCompleted
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSent:
		return "sent"
	case StateCompleted:
		return "completed"
	case StateRejected:
		return "rejected"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// SendFunc writes one encoded request onto the connection. buf is only valid
// for the duration of the call. A returned error rejects the request.
type SendFunc func(buf []byte) error

type Config struct {
	Broker   string
	ClientID string

	RequestTimeout        time.Duration
	EnforceRequestTimeout bool

	Descriptor *Descriptor
	Send       SendFunc
	OnTimeout  func(correlationID int32) // called before a timed out request is rejected

	Emitter instrumentation.Emitter // optional
	Logger  *zerolog.Logger         // optional
}

// Tracker owns the lifecycle of one request written onto a shared
// connection. Exactly one of the descriptor's continuations is invoked,
// exactly once, whichever of a response, a transport error or the request
// timeout arrives first.
type Tracker struct {
	broker   string
	clientID string
	desc     *Descriptor

	requestTimeout        time.Duration
	enforceRequestTimeout bool

	send      SendFunc
	onTimeout func(correlationID int32)
	emitter   instrumentation.Emitter
	log       zerolog.Logger

	mu        sync.Mutex // protects everything below
	state     State
	createdAt time.Time
	sentAt    time.Time
	settledAt time.Time
	timer     *time.Timer
}

func NewTracker(cfg Config) (*Tracker, error) {
	if err := cfg.Descriptor.validate(); err != nil {
		return nil, err
	}
	if cfg.Send == nil {
		return nil, fmt.Errorf("%w: request %d has no send function", ErrInvalidDescriptor, cfg.Descriptor.CorrelationID)
	}
	if cfg.EnforceRequestTimeout && cfg.RequestTimeout <= 0 {
		return nil, fmt.Errorf("inflight: request timeout must be positive, got %s", cfg.RequestTimeout)
	}
	if err := wire.CheckClientID(cfg.ClientID); err != nil {
		return nil, err
	}

	t := &Tracker{
		broker:                cfg.Broker,
		clientID:              cfg.ClientID,
		desc:                  cfg.Descriptor,
		requestTimeout:        cfg.RequestTimeout,
		enforceRequestTimeout: cfg.EnforceRequestTimeout,
		send:                  cfg.Send,
		onTimeout:             cfg.OnTimeout,
		emitter:               cfg.Emitter,
		log:                   zerolog.Nop(),
		createdAt:             time.Now(),
	}
	if cfg.Logger != nil {
		t.log = *cfg.Logger
	}
	return t, nil
}

// Send encodes the request and hands it to the send function. It does not
// wait for a response. A transport error is delivered through SettleFailure,
// not returned.
func (t *Tracker) Send() error {
	t.mu.Lock()
	if t.state != StateCreated {
		err := t.invariant("send")
		t.mu.Unlock()
		return err
	}
	t.state = StateSent
	t.sentAt = time.Now()
	if t.enforceRequestTimeout {
		t.timer = time.AfterFunc(t.requestTimeout, t.expire)
	}
	t.mu.Unlock()

	var err error
	buf := bytebufferpool.Get()
	buf.B, err = wire.AppendRequest(buf.B[:0], wire.RequestHeader{
		APIKey:        t.desc.APIKey,
		APIVersion:    t.desc.APIVersion,
		CorrelationID: t.desc.CorrelationID,
		ClientID:      t.clientID,
	}, t.desc.Request)
	if err == nil {
		err = t.send(buf.B)
	}
	bytebufferpool.Put(buf)

	if err != nil {
		if rerr := t.Rejected(err); rerr != nil {
			t.log.Debug().
				Err(err).
				Str("broker", t.broker).
				Int32("correlation_id", t.desc.CorrelationID).
				Msg("send failed after request was settled")
		}
	}
	return nil
}

// Completed settles the request with the response read off the connection.
func (t *Tracker) Completed(res Response) error {
	t.mu.Lock()
	if t.state != StateSent {
		err := t.invariant("completed")
		t.mu.Unlock()
		return err
	}
	t.state = StateCompleted
	t.settledAt = time.Now()
	t.stopTimer()
	payload := instrumentation.RequestPayload{
		APIKey:          t.desc.APIKey,
		APIName:         t.desc.APIName,
		APIVersion:      t.desc.APIVersion,
		Broker:          t.broker,
		ClientID:        t.clientID,
		CorrelationID:   t.desc.CorrelationID,
		CreatedAt:       t.createdAt.UnixMilli(),
		SentAt:          t.sentAt.UnixMilli(),
		PendingDuration: t.pendingDuration().Milliseconds(),
		Duration:        t.duration().Milliseconds(),
		Size:            res.Size,
	}
	t.mu.Unlock()

	t.settle("completed", func() {
		t.desc.SettleSuccess(Result{
			CorrelationID: t.desc.CorrelationID,
			Descriptor:    t.desc,
			Size:          res.Size,
			Payload:       res.Payload,
		})
	})
	t.emit(instrumentation.EventRequest, payload)
	return nil
}

// Rejected settles the request with err, passed through unchanged.
func (t *Tracker) Rejected(err error) error {
	t.mu.Lock()
	if t.state != StateSent {
		ierr := t.invariant("rejected")
		t.mu.Unlock()
		return ierr
	}
	t.state = StateRejected
	t.settledAt = time.Now()
	t.stopTimer()
	t.mu.Unlock()

	t.settle("rejected", func() { t.desc.SettleFailure(err) })
	return nil
}

// abort rejects a request whether or not it has been sent. It reports false
// if the request was already settled.
func (t *Tracker) abort(err error) bool {
	t.mu.Lock()
	if t.state == StateCompleted || t.state == StateRejected {
		t.mu.Unlock()
		return false
	}
	t.state = StateRejected
	t.settledAt = time.Now()
	t.stopTimer()
	t.mu.Unlock()

	t.settle("rejected", func() { t.desc.SettleFailure(err) })
	return true
}

// expire runs on the timer goroutine. A timer that lost the race against a
// terminal transition finds the tracker settled and does nothing.
func (t *Tracker) expire() {
	t.mu.Lock()
	if t.state != StateSent {
		t.mu.Unlock()
		return
	}
	t.state = StateRejected
	t.settledAt = time.Now()
	t.timer = nil
	payload := instrumentation.RequestTimeoutPayload{
		APIKey:          t.desc.APIKey,
		APIName:         t.desc.APIName,
		APIVersion:      t.desc.APIVersion,
		Broker:          t.broker,
		ClientID:        t.clientID,
		CorrelationID:   t.desc.CorrelationID,
		CreatedAt:       t.createdAt.UnixMilli(),
		SentAt:          t.sentAt.UnixMilli(),
		PendingDuration: t.pendingDuration().Milliseconds(),
	}
	err := &RequestTimeoutError{
		Broker:          t.broker,
		CorrelationID:   t.desc.CorrelationID,
		APIKey:          t.desc.APIKey,
		APIName:         t.desc.APIName,
		APIVersion:      t.desc.APIVersion,
		CreatedAt:       t.createdAt,
		SentAt:          t.sentAt,
		PendingDuration: t.pendingDuration(),
		Elapsed:         t.duration(),
	}
	t.mu.Unlock()

	t.emit(instrumentation.EventRequestTimeout, payload)
	t.notifyTimeout()
	t.settle("timeout", func() { t.desc.SettleFailure(err) })
}

// settle runs one of the descriptor's continuations. A panic is logged and
// does not reach the caller of the transition.
func (t *Tracker) settle(op string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error().
				Interface("panic", r).
				Str("op", op).
				Str("broker", t.broker).
				Int32("correlation_id", t.desc.CorrelationID).
				Msg("request continuation panicked")
		}
	}()
	fn()
}

func (t *Tracker) notifyTimeout() {
	if t.onTimeout == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.log.Error().
				Interface("panic", r).
				Str("broker", t.broker).
				Int32("correlation_id", t.desc.CorrelationID).
				Msg("request timeout callback panicked")
		}
	}()
	t.onTimeout(t.desc.CorrelationID)
}

func (t *Tracker) emit(typ instrumentation.EventType, payload interface{}) {
	if t.emitter == nil {
		return
	}
	t.emitter.Emit(typ, payload)
}

func (t *Tracker) stopTimer() {
	if t.timer == nil {
		return
	}
	t.timer.Stop()
	t.timer = nil
}

func (t *Tracker) invariant(op string) error {
	return &InvariantError{Op: op, CorrelationID: t.desc.CorrelationID, State: t.state}
}

func (t *Tracker) pendingDuration() time.Duration { return nonNegative(t.sentAt.Sub(t.createdAt)) }
func (t *Tracker) duration() time.Duration        { return nonNegative(t.settledAt.Sub(t.sentAt)) }

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

func (t *Tracker) Broker() string          { return t.broker }
func (t *Tracker) CorrelationID() int32    { return t.desc.CorrelationID }
func (t *Tracker) Descriptor() *Descriptor { return t.desc }

func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tracker) CreatedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.createdAt
}

// SentAt reports false until Send has been called.
func (t *Tracker) SentAt() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sentAt, !t.sentAt.IsZero()
}

// PendingDuration is the time between creation and Send. It reports false
// until Send has been called.
func (t *Tracker) PendingDuration() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sentAt.IsZero() {
		return 0, false
	}
	return t.pendingDuration(), true
}

// Duration is the time between Send and settlement. It reports false until
// the request is settled, and for requests aborted before they were sent.
func (t *Tracker) Duration() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.settledAt.IsZero() || t.sentAt.IsZero() {
		return 0, false
	}
	return t.duration(), true
}
