package tcq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/houseofcat/turbocql/pkg/frame"
)

// Execute runs a statement and waits for its outcome. The whole execution,
// retries included, is bounded by the statement timeout or the session
// RequestTimeout.
func (s *Session) Execute(ctx context.Context, stmt *Statement) (*Result, error) {

	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	return s.execute(ctx, stmt)
}

// ExecuteAsync starts a statement and returns at once. The returned future
// resolves exactly once.
func (s *Session) ExecuteAsync(ctx context.Context, stmt *Statement) *ResultFuture {

	fut := newResultFuture()
	if s.closed.Load() {
		fut.resolve(nil, ErrSessionClosed)
		return fut
	}

	started := s.bg.spawn(func(context.Context) {
		fut.resolve(s.execute(ctx, stmt))
	})
	if !started {
		fut.resolve(nil, ErrSessionClosed)
	}
	return fut
}

func (s *Session) execute(ctx context.Context, stmt *Statement) (*Result, error) {

	start := time.Now()

	timeout := s.requestTimeout
	if stmt.Timeout > 0 {
		timeout = stmt.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	consistency := s.consistency
	if stmt.HasConsistency {
		consistency = stmt.Consistency
	}

	plan := s.policy.NewQueryPlan(stmt.Keyspace, stmt.RoutingKey)
	marking, _ := plan.(MarkingPlan)

	errs := make(map[string]error)
	retries := 0
	attempts := 0
	lastHost := ""

	parked := &parkedHosts{}
	next := func() *Host {
		if h := plan.Next(); h != nil {
			return h
		}
		return parked.next(ctx)
	}

	host := next()
	for host != nil {
		if err := ctx.Err(); err != nil {
			return nil, s.interrupted(err, errs, lastHost)
		}

		conn, err := host.pool.Borrow()
		if err != nil {
			klog.V(4).InfoS("Skipping host, no connection to borrow", "host", host.addr, "err", err)
			errs[host.addr] = newConnectionError(host.addr, err)
			if errors.Is(err, ErrNoConnectionAvailable) {
				parked.park(host)
			}
			host = next()
			continue
		}

		attempts++
		lastHost = host.addr

		res, reqErr := s.attempt(ctx, conn, host, stmt, consistency)
		if reqErr == nil && res == nil {
			return nil, s.interrupted(ctx.Err(), errs, lastHost)
		}

		if reqErr == nil {
			res.Consistency = consistency
			res.Attempts = attempts
			res.Latency = time.Since(start)
			s.metrics.OnRequest(res.Latency)
			if marking != nil {
				marking.Mark(host, nil)
			}
			return res, nil
		}

		recordError(s.metrics, reqErr)
		if marking != nil {
			marking.Mark(host, reqErr)
		}
		errs[host.addr] = reqErr

		if reqErr.Kind == KindOperationTimedOut {
			return nil, &OperationTimedOutError{Errors: errs, LastHost: lastHost}
		}
		if !reqErr.Retryable() {
			return nil, reqErr
		}

		decision := decideRetry(s.retry, RetryInfo{
			Consistency: consistency,
			Retries:     retries,
			Idempotent:  stmt.Idempotent,
			Err:         reqErr,
		})
		klog.V(4).InfoS("Retry decision", "host", host.addr, "err", reqErr, "decision", decision)

		switch decision.Type {
		case Retry:
			s.metrics.OnRetry()
			retries++
			if decision.HasConsistency {
				consistency = decision.Consistency
			}
			if decision.Target == NextHost {
				host = next()
			}
		case Ignore:
			s.metrics.OnIgnore()
			return &Result{
				Host:        host,
				Consistency: consistency,
				Attempts:    attempts,
				Ignored:     true,
				Latency:     time.Since(start),
			}, nil
		default:
			return nil, reqErr
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, s.interrupted(err, errs, lastHost)
	}
	return nil, &NoHostAvailableError{Errors: errs}
}

const (
	parkedPauseMin = 5 * time.Millisecond
	parkedPauseMax = 100 * time.Millisecond
)

// parkedHosts holds UP hosts whose pool had no usable connection when the
// plan reached them. Once the plan is exhausted they are tried again, after
// a growing pause, until none is UP any more or the execution deadline
// passes.
type parkedHosts struct {
	waiting []*Host
	round   []*Host
	pause   time.Duration
}

func (p *parkedHosts) park(h *Host) {
	if h.IsUp() && h.Distance() != DistanceIgnored {
		p.waiting = append(p.waiting, h)
	}
}

// next returns the next parked host still UP, nil when there is none or ctx
// ended while pausing.
func (p *parkedHosts) next(ctx context.Context) *Host {

	for {
		for len(p.round) > 0 {
			h := p.round[0]
			p.round = p.round[1:]
			if h.IsUp() {
				return h
			}
		}
		if len(p.waiting) == 0 {
			return nil
		}
		p.round, p.waiting = p.waiting, nil

		p.pause *= 2
		if p.pause < parkedPauseMin {
			p.pause = parkedPauseMin
		}
		if p.pause > parkedPauseMax {
			p.pause = parkedPauseMax
		}

		timer := time.NewTimer(p.pause)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}

// attempt sends one request on conn. Both returns are nil when ctx ended
// first; the stream is abandoned in that case.
func (s *Session) attempt(
	ctx context.Context,
	conn *Connection,
	host *Host,
	stmt *Statement,
	consistency Consistency) (*Result, *RequestError) {

	fut, err := conn.Send(frame.OpQuery, frame.QueryBody(stmt.Query, consistency, stmt.Values))
	if err != nil {
		return nil, newConnectionError(host.addr, err)
	}

	select {
	case <-fut.Done():
	case <-ctx.Done():
		conn.Abandon(fut)
		// the response may have won the race
		if f, err := fut.Result(); err == nil && f != nil {
			return s.complete(host, f)
		}
		return nil, nil
	}

	f, err := fut.Result()
	if err != nil {
		if errors.Is(err, ErrHeartbeatTimeout) {
			return nil, newTimedOutError(host.addr, err)
		}
		return nil, newConnectionError(host.addr, err)
	}
	return s.complete(host, f)
}

func (s *Session) complete(host *Host, f *frame.Frame) (*Result, *RequestError) {

	switch f.Header.OpCode {
	case frame.OpResult:
		kind, err := frame.ParseResultKind(f.Body)
		if err != nil {
			return nil, newConnectionError(host.addr, err)
		}
		return &Result{Kind: kind, Body: f.Body, Host: host}, nil
	case frame.OpError:
		se, err := frame.ParseError(f.Body)
		if err != nil {
			return nil, newConnectionError(host.addr, err)
		}
		return nil, newServerRequestError(host.addr, se)
	default:
		return nil, newConnectionError(host.addr,
			fmt.Errorf("%w: unexpected %s in response to QUERY", frame.ErrProtocol, f.Header.OpCode))
	}
}

// interrupted builds the error for an execution that ran out of time or
// whose caller gave up.
func (s *Session) interrupted(cause error, errs map[string]error, lastHost string) error {

	if errors.Is(cause, context.DeadlineExceeded) {
		s.metrics.OnOtherError()
		return &OperationTimedOutError{Errors: errs, LastHost: lastHost}
	}
	return cause
}
