package tcq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houseofcat/turbocql/pkg/frame"
)

func readTimeout(received, blockFor int, dataPresent bool) *RequestError {
	return &RequestError{Kind: KindReadTimeout, Received: received, BlockFor: blockFor, DataPresent: dataPresent}
}

func writeTimeout(writeType string, received int) *RequestError {
	return &RequestError{Kind: KindWriteTimeout, WriteType: writeType, Received: received, BlockFor: 2}
}

func unavailable(alive int) *RequestError {
	return &RequestError{Kind: KindUnavailable, Alive: alive, Required: 3}
}

func TestDefaultRetryPolicy(t *testing.T) {
	policy := DefaultRetryPolicy{}

	tests := []struct {
		name string
		info RetryInfo
		want RetryDecision
	}{
		{"read timeout enough replicas no data", RetryInfo{Err: readTimeout(2, 2, false)}, RetrySameHost()},
		{"read timeout data present", RetryInfo{Err: readTimeout(2, 2, true)}, RethrowDecision()},
		{"read timeout not enough replicas", RetryInfo{Err: readTimeout(1, 2, false)}, RethrowDecision()},
		{"read timeout second attempt", RetryInfo{Retries: 1, Err: readTimeout(2, 2, false)}, RethrowDecision()},
		{"write timeout batch log idempotent", RetryInfo{Idempotent: true, Err: writeTimeout(frame.WriteTypeBatchLog, 0)}, RetrySameHost()},
		{"write timeout not idempotent", RetryInfo{Err: writeTimeout(frame.WriteTypeBatchLog, 0)}, RethrowDecision()},
		{"write timeout simple", RetryInfo{Idempotent: true, Err: writeTimeout(frame.WriteTypeSimple, 1)}, RethrowDecision()},
		{"unavailable first", RetryInfo{Err: unavailable(1)}, RetryNextHost()},
		{"unavailable second", RetryInfo{Retries: 1, Err: unavailable(1)}, RethrowDecision()},
		{"connection error", RetryInfo{Retries: 4, Err: &RequestError{Kind: KindConnectionError}}, RetryNextHost()},
		{"overloaded", RetryInfo{Err: &RequestError{Kind: KindOverloaded}}, RetryNextHost()},
		{"server error", RetryInfo{Err: &RequestError{Kind: KindServerError}}, RetryNextHost()},
		{"invalid request", RetryInfo{Err: &RequestError{Kind: KindInvalidRequest}}, RethrowDecision()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decideRetry(policy, tt.info))
		})
	}
}

func TestRetryPoliciesAreDeterministic(t *testing.T) {
	policies := []RetryPolicy{DefaultRetryPolicy{}, FallthroughRetryPolicy{}, DowngradingConsistencyRetryPolicy{}}
	info := RetryInfo{Consistency: Quorum, Err: readTimeout(1, 2, false)}

	for _, p := range policies {
		first := decideRetry(p, info)
		for i := 0; i < 100; i++ {
			require.Equal(t, first, decideRetry(p, info))
		}
	}
}

func TestFallthroughRetryPolicy(t *testing.T) {
	policy := FallthroughRetryPolicy{}

	errs := []*RequestError{
		readTimeout(2, 2, false),
		writeTimeout(frame.WriteTypeBatchLog, 0),
		unavailable(2),
		{Kind: KindConnectionError},
		{Kind: KindOverloaded},
	}
	for _, err := range errs {
		assert.Equal(t, RethrowDecision(), decideRetry(policy, RetryInfo{Idempotent: true, Err: err}), err.Kind.String())
	}
}

func TestDowngradingConsistencyRetryPolicy(t *testing.T) {
	policy := DowngradingConsistencyRetryPolicy{}

	tests := []struct {
		name string
		info RetryInfo
		want RetryDecision
	}{
		{"read timeout two answered", RetryInfo{Consistency: All, Err: readTimeout(2, 3, false)}, RetryWithConsistency(Two)},
		{"read timeout none answered", RetryInfo{Consistency: Quorum, Err: readTimeout(0, 2, false)}, RethrowDecision()},
		{"read timeout no data", RetryInfo{Consistency: Quorum, Err: readTimeout(2, 2, false)}, RetrySameHost()},
		{"read timeout serial", RetryInfo{Consistency: Serial, Err: readTimeout(1, 2, false)}, RethrowDecision()},
		{"write timeout simple acked", RetryInfo{Consistency: Quorum, Err: writeTimeout(frame.WriteTypeSimple, 1)}, IgnoreDecision()},
		{"write timeout simple not acked", RetryInfo{Consistency: Quorum, Err: writeTimeout(frame.WriteTypeSimple, 0)}, RethrowDecision()},
		{"write timeout unlogged batch", RetryInfo{Consistency: Quorum, Err: writeTimeout(frame.WriteTypeUnloggedBatch, 1)}, RetryWithConsistency(One)},
		{"write timeout batch log", RetryInfo{Consistency: Quorum, Err: writeTimeout(frame.WriteTypeBatchLog, 0)}, RetrySameHost()},
		{"unavailable three alive", RetryInfo{Consistency: All, Err: unavailable(3)}, RetryWithConsistency(Three)},
		{"unavailable one alive", RetryInfo{Consistency: Quorum, Err: unavailable(1)}, RetryWithConsistency(One)},
		{"unavailable none alive", RetryInfo{Consistency: Quorum, Err: unavailable(0)}, RethrowDecision()},
		{"unavailable serial", RetryInfo{Consistency: LocalSerial, Err: unavailable(1)}, RetryNextHost()},
		{"second attempt", RetryInfo{Consistency: Quorum, Retries: 1, Err: unavailable(2)}, RethrowDecision()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decideRetry(policy, tt.info))
		})
	}
}

func TestRetryDecisionString(t *testing.T) {
	assert.Equal(t, "RETHROW", RethrowDecision().String())
	assert.Equal(t, "IGNORE", IgnoreDecision().String())
	assert.Equal(t, "RETRY(same host)", RetrySameHost().String())
	assert.Equal(t, "RETRY(next host)", RetryNextHost().String())
	assert.Equal(t, "RETRY(same host, ONE)", RetryWithConsistency(One).String())
}

func TestNewRetryPolicy(t *testing.T) {
	p, err := NewRetryPolicy(&RetryConfig{Type: FallthroughRetryPolicyType})
	require.NoError(t, err)
	assert.IsType(t, FallthroughRetryPolicy{}, p)

	p, err = NewRetryPolicy(&RetryConfig{})
	require.NoError(t, err)
	assert.IsType(t, DefaultRetryPolicy{}, p)

	_, err = NewRetryPolicy(&RetryConfig{Type: "never"})
	assert.Error(t, err)
}
