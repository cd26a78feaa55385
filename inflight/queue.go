package inflight

import (
	"fmt"
	"sync"
	"time"

	"github.com/TheSmallBoat/inflight/instrumentation"
	"github.com/TheSmallBoat/inflight/wire"
	"github.com/rs/zerolog"
)

type QueueConfig struct {
	Broker   string
	ClientID string

	RequestTimeout        time.Duration
	EnforceRequestTimeout bool

	// MaxInFlight caps the number of requests awaiting a response. Zero
	// means no cap. Requests over the cap wait in order of Push.
	MaxInFlight int

	Send    SendFunc
	Emitter instrumentation.Emitter // optional
	Logger  *zerolog.Logger         // optional
}

// Queue tracks the requests in flight on one connection by correlation id.
// The connection's read loop hands responses to Fulfill and calls Close when
// the connection goes away.
type Queue struct {
	cfg QueueConfig
	log zerolog.Logger

	mu       sync.Mutex
	inflight map[int32]*Tracker
	waiting  []*Tracker
	closed   bool
}

func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Send == nil {
		return nil, fmt.Errorf("inflight: queue for %s has no send function", cfg.Broker)
	}
	if cfg.EnforceRequestTimeout && cfg.RequestTimeout <= 0 {
		return nil, fmt.Errorf("inflight: request timeout must be positive, got %s", cfg.RequestTimeout)
	}
	if cfg.MaxInFlight < 0 {
		return nil, fmt.Errorf("inflight: max in-flight requests must not be negative, got %d", cfg.MaxInFlight)
	}
	if err := wire.CheckClientID(cfg.ClientID); err != nil {
		return nil, err
	}

	q := &Queue{
		cfg:      cfg,
		log:      zerolog.Nop(),
		inflight: make(map[int32]*Tracker),
	}
	if cfg.Logger != nil {
		q.log = *cfg.Logger
	}
	return q, nil
}

// Push tracks desc and sends it, or queues it behind the in-flight cap.
func (q *Queue) Push(desc *Descriptor) error {
	if err := desc.validate(); err != nil {
		return err
	}

	var t *Tracker
	t, err := NewTracker(Config{
		Broker:                q.cfg.Broker,
		ClientID:              q.cfg.ClientID,
		RequestTimeout:        q.cfg.RequestTimeout,
		EnforceRequestTimeout: q.cfg.EnforceRequestTimeout && !desc.NoResponse,
		Descriptor:            desc,
		Send:                  q.cfg.Send,
		OnTimeout:             func(int32) { q.release(t) },
		Emitter:               q.cfg.Emitter,
		Logger:                q.cfg.Logger,
	})
	if err != nil {
		return err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if !desc.NoResponse && q.tracking(desc.CorrelationID) {
		q.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrDuplicateCorrelationID, desc.CorrelationID)
	}
	if len(q.waiting) > 0 || !q.hasCapacity() {
		q.waiting = append(q.waiting, t)
		size := len(q.waiting)
		q.mu.Unlock()

		q.emitQueueSize(size)
		return nil
	}
	q.register(t)
	q.mu.Unlock()

	q.dispatch(t)
	return nil
}

// Fulfill completes the request in flight under correlationID. A response
// for an unknown id, e.g. one that arrived after its request timed out,
// returns ErrUnknownCorrelationID.
func (q *Queue) Fulfill(correlationID int32, res Response) error {
	q.mu.Lock()
	t, exists := q.inflight[correlationID]
	if exists {
		delete(q.inflight, correlationID)
	}
	q.mu.Unlock()

	if !exists {
		q.log.Warn().
			Str("broker", q.cfg.Broker).
			Int32("correlation_id", correlationID).
			Int("size", res.Size).
			Msg("response without a matching request")
		return fmt.Errorf("%w: %d", ErrUnknownCorrelationID, correlationID)
	}

	err := t.Completed(res)
	q.flush()
	return err
}

// Close rejects every tracked request with err, ErrConnectionClosed if err is
// nil. Later calls to Push fail with ErrQueueClosed.
func (q *Queue) Close(err error) {
	if err == nil {
		err = ErrConnectionClosed
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	inflight, waiting := q.inflight, q.waiting
	q.inflight, q.waiting = make(map[int32]*Tracker), nil
	q.mu.Unlock()

	q.log.Debug().
		Err(err).
		Str("broker", q.cfg.Broker).
		Int("inflight", len(inflight)).
		Int("waiting", len(waiting)).
		Msg("closing request queue")

	for _, t := range inflight {
		t.abort(err)
	}
	for _, t := range waiting {
		t.abort(err)
	}
	if len(waiting) > 0 {
		q.emitQueueSize(0)
	}
}

// Len returns the number of requests in flight and waiting for a slot.
func (q *Queue) Len() (inflight, waiting int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight), len(q.waiting)
}

func (q *Queue) dispatch(t *Tracker) {
	if err := t.Send(); err != nil {
		return // aborted by Close before it was sent
	}
	if t.desc.NoResponse {
		if t.State() != StateSent {
			return // rejected by the send function
		}
		if err := t.Completed(Response{}); err != nil {
			q.log.Debug().
				Err(err).
				Str("broker", q.cfg.Broker).
				Int32("correlation_id", t.desc.CorrelationID).
				Msg("fire-and-forget request settled twice")
		}
		return
	}
	if t.State() == StateRejected {
		q.release(t)
	}
}

// release drops t unless its slot was already taken over by a newer
// request with the same correlation id.
func (q *Queue) release(t *Tracker) {
	q.mu.Lock()
	if q.inflight[t.desc.CorrelationID] == t {
		delete(q.inflight, t.desc.CorrelationID)
	}
	q.mu.Unlock()

	q.flush()
}

func (q *Queue) flush() {
	var ready []*Tracker

	q.mu.Lock()
	for len(q.waiting) > 0 && !q.closed && q.hasCapacity() {
		t := q.waiting[0]
		q.waiting[0] = nil
		q.waiting = q.waiting[1:]
		q.register(t)
		ready = append(ready, t)
	}
	size := len(q.waiting)
	q.mu.Unlock()

	if len(ready) == 0 {
		return
	}
	q.emitQueueSize(size)
	for _, t := range ready {
		q.dispatch(t)
	}
}

func (q *Queue) register(t *Tracker) {
	if !t.desc.NoResponse {
		q.inflight[t.desc.CorrelationID] = t
	}
}

func (q *Queue) hasCapacity() bool {
	return q.cfg.MaxInFlight <= 0 || len(q.inflight) < q.cfg.MaxInFlight
}

func (q *Queue) tracking(correlationID int32) bool {
	if _, exists := q.inflight[correlationID]; exists {
		return true
	}
	for _, t := range q.waiting {
		if t.desc.CorrelationID == correlationID && !t.desc.NoResponse {
			return true
		}
	}
	return false
}

func (q *Queue) emitQueueSize(size int) {
	if q.cfg.Emitter == nil {
		return
	}
	q.cfg.Emitter.Emit(instrumentation.EventRequestQueueSize, instrumentation.RequestQueueSizePayload{
		Broker:    q.cfg.Broker,
		ClientID:  q.cfg.ClientID,
		QueueSize: size,
	})
}
