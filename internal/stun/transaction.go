package stun

import (
	"context"
	"time"

	"github.com/pionlabs/icecore/icerr"
)

// Rc is the default maximum retransmit attempt count (RFC 5389 §7.2.1).
const Rc = 7

// Rm is the multiplier applied to RTO to derive the final timeout wait
// after the last retransmit (RFC 5389 §7.2.1).
const Rm = 16

// DefaultRTO is the initial retransmission timeout for unreliable transport.
const DefaultRTO = 500 * time.Millisecond

// ReliableTimeout is the single-send timeout used over reliable transport
// (spec §4.6).
const ReliableTimeout = 39500 * time.Millisecond

// Schedule returns the send offsets (from t=0) a transaction over
// unreliable transport uses: 0, RTO, 2RTO, 4RTO, ... capped at 8RTO, for up
// to `attempts` sends, followed by one final Rm·RTO wait with no further
// send before the transaction times out.
func Schedule(rto time.Duration, attempts int) []time.Duration {
	offsets := make([]time.Duration, 0, attempts)
	var at time.Duration
	interval := rto
	for i := 0; i < attempts; i++ {
		offsets = append(offsets, at)
		at += interval
		if interval < 8*rto {
			interval *= 2
			if interval > 8*rto {
				interval = 8 * rto
			}
		}
	}
	return offsets
}

// Deadline returns the instant (relative offset from t=0) at which a
// transaction following Schedule(rto, attempts) is declared timed out: the
// last send offset plus Rm·rto, matching RFC 5389's Rm=16 total-wait
// convention used by the reference schedule in spec §8 (S5: 0, 500, 1000,
// 2000, 4000, 8000, 16000 ms then timeout at ~39.5s).
func Deadline(rto time.Duration, attempts int) time.Duration {
	offsets := Schedule(rto, attempts)
	last := offsets[len(offsets)-1]
	return last + Rm*rto
}

// Sender transmits raw bytes to a destination; implemented by the
// transport layer (UDP/TCP/TURN-wrapped send).
type Sender func(ctx context.Context, payload []byte) error

// Transaction drives one STUN request through its retransmission schedule
// until a matching response arrives, the context is cancelled, or the
// schedule is exhausted.
type Transaction struct {
	ID       TransactionID
	Request  []byte
	send     Sender
	rto      time.Duration
	attempts int
	reliable bool

	responses chan *Message
}

// NewTransaction constructs a Transaction. reliable selects the
// single-send/39.5s-timeout path; otherwise the RTO-doubling schedule is
// used with rto/attempts (defaulting to DefaultRTO/Rc when zero).
func NewTransaction(id TransactionID, request []byte, send Sender, rto time.Duration, attempts int, reliable bool) *Transaction {
	if rto <= 0 {
		rto = DefaultRTO
	}
	if attempts <= 0 {
		attempts = Rc
	}
	return &Transaction{
		ID:        id,
		Request:   request,
		send:      send,
		rto:       rto,
		attempts:  attempts,
		reliable:  reliable,
		responses: make(chan *Message, 1),
	}
}

// Deliver feeds a matching response (by transaction id) into the waiting
// Run call. Callers demultiplexing inbound STUN traffic by transaction id
// call this instead of letting Run poll a socket directly.
func (t *Transaction) Deliver(m *Message) {
	select {
	case t.responses <- m:
	default:
	}
}

// Run executes the retransmission schedule and returns the first matching
// response, or a *icerr.TimeoutError if the schedule is exhausted, or the
// context's error if cancelled first.
func (t *Transaction) Run(ctx context.Context) (*Message, error) {
	if t.reliable {
		return t.runReliable(ctx)
	}
	return t.runUnreliable(ctx)
}

func (t *Transaction) runReliable(ctx context.Context) (*Message, error) {
	if err := t.send(ctx, t.Request); err != nil {
		return nil, &icerr.TransportError{Err: err}
	}
	timer := time.NewTimer(ReliableTimeout)
	defer timer.Stop()
	select {
	case resp := <-t.responses:
		return resp, nil
	case <-timer.C:
		return nil, &icerr.TimeoutError{Err: errTransactionTimedOut}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transaction) runUnreliable(ctx context.Context) (*Message, error) {
	offsets := Schedule(t.rto, t.attempts)
	deadline := Deadline(t.rto, t.attempts)

	start := time.Now()
	overall := time.NewTimer(deadline)
	defer overall.Stop()

	nextSend := 0
	sendAt := func(i int) <-chan time.Time {
		if i >= len(offsets) {
			return nil
		}
		remaining := offsets[i] - time.Since(start)
		if remaining < 0 {
			remaining = 0
		}
		return time.After(remaining)
	}

	if err := t.send(ctx, t.Request); err != nil {
		return nil, &icerr.TransportError{Err: err}
	}
	nextSend++

	timer := sendAt(nextSend)
	for {
		select {
		case resp := <-t.responses:
			return resp, nil
		case <-overall.C:
			return nil, &icerr.TimeoutError{Err: errTransactionTimedOut}
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer:
			if err := t.send(ctx, t.Request); err != nil {
				return nil, &icerr.TransportError{Err: err}
			}
			nextSend++
			timer = sendAt(nextSend)
		}
	}
}
