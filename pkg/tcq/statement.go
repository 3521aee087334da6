package tcq

import (
	"context"
	"sync"
	"time"

	"github.com/houseofcat/turbocql/pkg/frame"
)

// Consistency is the consistency level of a request.
type Consistency = frame.Consistency

// Consistency levels re-exported for callers of this package.
const (
	Any         = frame.Any
	One         = frame.One
	Two         = frame.Two
	Three       = frame.Three
	Quorum      = frame.Quorum
	All         = frame.All
	LocalQuorum = frame.LocalQuorum
	EachQuorum  = frame.EachQuorum
	Serial      = frame.Serial
	LocalSerial = frame.LocalSerial
	LocalOne    = frame.LocalOne
)

// ParseConsistency accepts level names such as "LOCAL_QUORUM".
func ParseConsistency(s string) (Consistency, error) {
	return frame.ParseConsistency(s)
}

// Statement is one request to execute. The query text and values are
// opaque to the execution core.
type Statement struct {
	Query      string
	Values     [][]byte
	Keyspace   string
	RoutingKey []byte
	Idempotent bool

	// Consistency is used when HasConsistency is set, otherwise the
	// session default applies.
	Consistency    Consistency
	HasConsistency bool

	// Timeout overrides the session RequestTimeout when positive.
	Timeout time.Duration
}

// NewStatement creates a statement for a query with positional values.
func NewStatement(query string, values ...[]byte) *Statement {
	return &Statement{Query: query, Values: values}
}

// WithConsistency sets an explicit consistency level.
func (s *Statement) WithConsistency(c Consistency) *Statement {
	s.Consistency = c
	s.HasConsistency = true
	return s
}

// Result is the outcome of a successful execution. Body holds the raw RESULT
// body; decoding rows is left to the caller.
type Result struct {
	Kind        int32
	Body        []byte
	Host        *Host
	Consistency Consistency
	Attempts    int
	Ignored     bool
	Latency     time.Duration
}

// ResultFuture is the handle of an asynchronous execution. It resolves
// exactly once.
type ResultFuture struct {
	done   chan struct{}
	once   sync.Once
	result *Result
	err    error
}

func newResultFuture() *ResultFuture {
	return &ResultFuture{done: make(chan struct{})}
}

func (f *ResultFuture) resolve(res *Result, err error) {
	f.once.Do(func() {
		f.result = res
		f.err = err
		close(f.done)
	})
}

// Done is closed once the outcome is known.
func (f *ResultFuture) Done() <-chan struct{} { return f.done }

// Get blocks until the outcome is known or ctx ends. Giving up through ctx
// does not cancel the execution itself.
func (f *ResultFuture) Get(ctx context.Context) (*Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Wait blocks until the outcome is known.
func (f *ResultFuture) Wait() (*Result, error) {
	<-f.done
	return f.result, f.err
}

// OnComplete runs fn on its own goroutine once the outcome is known.
func (f *ResultFuture) OnComplete(fn func(*Result, error)) {
	go func() {
		<-f.done
		fn(f.result, f.err)
	}()
}
