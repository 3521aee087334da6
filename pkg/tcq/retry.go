package tcq

import (
	"fmt"

	"github.com/houseofcat/turbocql/pkg/frame"
)

// RetryDecisionType is what the coordinator does after a failed attempt.
type RetryDecisionType int

// Decision types.
const (
	Rethrow RetryDecisionType = iota
	Retry
	Ignore
)

func (t RetryDecisionType) String() string {
	switch t {
	case Rethrow:
		return "RETHROW"
	case Retry:
		return "RETRY"
	case Ignore:
		return "IGNORE"
	default:
		return fmt.Sprintf("RetryDecisionType(%d)", int(t))
	}
}

// RetryTarget says where a retry goes.
type RetryTarget int

// Retry targets.
const (
	SameHost RetryTarget = iota
	NextHost
)

// RetryDecision is the outcome of a retry policy. Consistency is only
// meaningful for Retry and only when HasConsistency is set.
type RetryDecision struct {
	Type           RetryDecisionType
	Target         RetryTarget
	Consistency    Consistency
	HasConsistency bool
}

// RethrowDecision surfaces the error to the caller.
func RethrowDecision() RetryDecision { return RetryDecision{Type: Rethrow} }

// IgnoreDecision resolves the request with an empty result.
func IgnoreDecision() RetryDecision { return RetryDecision{Type: Ignore} }

// RetrySameHost retries on the host that just failed.
func RetrySameHost() RetryDecision { return RetryDecision{Type: Retry, Target: SameHost} }

// RetryNextHost moves on to the next host of the plan.
func RetryNextHost() RetryDecision { return RetryDecision{Type: Retry, Target: NextHost} }

// RetryWithConsistency retries on the same host at another level.
func RetryWithConsistency(c Consistency) RetryDecision {
	return RetryDecision{Type: Retry, Target: SameHost, Consistency: c, HasConsistency: true}
}

func (d RetryDecision) String() string {
	switch {
	case d.Type != Retry:
		return d.Type.String()
	case d.Target == SameHost && d.HasConsistency:
		return "RETRY(same host, " + d.Consistency.String() + ")"
	case d.Target == SameHost:
		return "RETRY(same host)"
	case d.HasConsistency:
		return "RETRY(next host, " + d.Consistency.String() + ")"
	default:
		return "RETRY(next host)"
	}
}

// RetryInfo is everything a retry policy may base its decision on.
type RetryInfo struct {
	Consistency Consistency
	Retries     int // retries already performed for this execution
	Idempotent  bool
	Err         *RequestError
}

// RetryPolicy decides what follows a failed attempt. Implementations must be
// pure: the same RetryInfo always yields the same decision.
type RetryPolicy interface {
	OnReadTimeout(info RetryInfo) RetryDecision
	OnWriteTimeout(info RetryInfo) RetryDecision
	OnUnavailable(info RetryInfo) RetryDecision
	OnConnectionError(info RetryInfo) RetryDecision
	OnRequestError(info RetryInfo) RetryDecision
}

// decideRetry routes an error to the policy method for its kind.
func decideRetry(p RetryPolicy, info RetryInfo) RetryDecision {

	switch info.Err.Kind {
	case KindReadTimeout:
		return p.OnReadTimeout(info)
	case KindWriteTimeout:
		return p.OnWriteTimeout(info)
	case KindUnavailable:
		return p.OnUnavailable(info)
	case KindConnectionError:
		return p.OnConnectionError(info)
	case KindServerError, KindOverloaded:
		return p.OnRequestError(info)
	default:
		return RethrowDecision()
	}
}

// DefaultRetryPolicy retries only when a retry is likely to succeed and
// can not cause a non-idempotent write to be applied twice.
type DefaultRetryPolicy struct{}

// OnReadTimeout retries once on the same host when enough replicas answered
// but the data itself did not come back.
func (DefaultRetryPolicy) OnReadTimeout(info RetryInfo) RetryDecision {
	if info.Retries != 0 {
		return RethrowDecision()
	}
	if info.Err.Received >= info.Err.BlockFor && !info.Err.DataPresent {
		return RetrySameHost()
	}
	return RethrowDecision()
}

// OnWriteTimeout retries once for batch log writes of idempotent requests.
func (DefaultRetryPolicy) OnWriteTimeout(info RetryInfo) RetryDecision {
	if !info.Idempotent || info.Retries != 0 {
		return RethrowDecision()
	}
	if info.Err.WriteType == frame.WriteTypeBatchLog {
		return RetrySameHost()
	}
	return RethrowDecision()
}

// OnUnavailable tries the next host once; the coordinator may see a
// different set of live replicas.
func (DefaultRetryPolicy) OnUnavailable(info RetryInfo) RetryDecision {
	if info.Retries != 0 {
		return RethrowDecision()
	}
	return RetryNextHost()
}

// OnConnectionError moves to the next host.
func (DefaultRetryPolicy) OnConnectionError(RetryInfo) RetryDecision {
	return RetryNextHost()
}

// OnRequestError moves to the next host.
func (DefaultRetryPolicy) OnRequestError(RetryInfo) RetryDecision {
	return RetryNextHost()
}

// FallthroughRetryPolicy never retries.
type FallthroughRetryPolicy struct{}

// OnReadTimeout rethrows.
func (FallthroughRetryPolicy) OnReadTimeout(RetryInfo) RetryDecision { return RethrowDecision() }

// OnWriteTimeout rethrows.
func (FallthroughRetryPolicy) OnWriteTimeout(RetryInfo) RetryDecision { return RethrowDecision() }

// OnUnavailable rethrows.
func (FallthroughRetryPolicy) OnUnavailable(RetryInfo) RetryDecision { return RethrowDecision() }

// OnConnectionError rethrows.
func (FallthroughRetryPolicy) OnConnectionError(RetryInfo) RetryDecision { return RethrowDecision() }

// OnRequestError rethrows.
func (FallthroughRetryPolicy) OnRequestError(RetryInfo) RetryDecision { return RethrowDecision() }

// DowngradingConsistencyRetryPolicy retries once at a weaker consistency
// level when the requested one can not be met. It trades consistency for
// availability and should be chosen deliberately.
type DowngradingConsistencyRetryPolicy struct{}

func downgradeFor(replicas int) (RetryDecision, bool) {
	switch {
	case replicas >= 3:
		return RetryWithConsistency(Three), true
	case replicas == 2:
		return RetryWithConsistency(Two), true
	case replicas == 1:
		return RetryWithConsistency(One), true
	default:
		return RethrowDecision(), false
	}
}

func isSerial(c Consistency) bool {
	return c == Serial || c == LocalSerial
}

// OnReadTimeout downgrades to what answered, or retries the same level when
// only the data was missing.
func (DowngradingConsistencyRetryPolicy) OnReadTimeout(info RetryInfo) RetryDecision {

	if info.Retries != 0 {
		return RethrowDecision()
	}
	if isSerial(info.Consistency) {
		return RethrowDecision()
	}
	if info.Err.Received < info.Err.BlockFor {
		d, _ := downgradeFor(info.Err.Received)
		return d
	}
	if !info.Err.DataPresent {
		return RetrySameHost()
	}
	return RethrowDecision()
}

// OnWriteTimeout ignores plain writes that reached a replica, downgrades
// unlogged batches and retries batch log writes.
func (DowngradingConsistencyRetryPolicy) OnWriteTimeout(info RetryInfo) RetryDecision {

	if info.Retries != 0 {
		return RethrowDecision()
	}

	switch info.Err.WriteType {
	case frame.WriteTypeSimple, frame.WriteTypeBatch, frame.WriteTypeCounter:
		if info.Err.Received > 0 {
			return IgnoreDecision()
		}
		return RethrowDecision()
	case frame.WriteTypeUnloggedBatch:
		d, _ := downgradeFor(info.Err.Received)
		return d
	case frame.WriteTypeBatchLog:
		return RetrySameHost()
	default:
		return RethrowDecision()
	}
}

// OnUnavailable downgrades to the number of live replicas.
func (DowngradingConsistencyRetryPolicy) OnUnavailable(info RetryInfo) RetryDecision {

	if info.Retries != 0 {
		return RethrowDecision()
	}
	if isSerial(info.Consistency) {
		return RetryNextHost()
	}
	d, _ := downgradeFor(info.Err.Alive)
	return d
}

// OnConnectionError moves to the next host.
func (DowngradingConsistencyRetryPolicy) OnConnectionError(RetryInfo) RetryDecision {
	return RetryNextHost()
}

// OnRequestError moves to the next host.
func (DowngradingConsistencyRetryPolicy) OnRequestError(RetryInfo) RetryDecision {
	return RetryNextHost()
}

// NewRetryPolicy builds the policy named by the configuration.
func NewRetryPolicy(cfg *RetryConfig) (RetryPolicy, error) {

	switch cfg.Type {
	case "", DefaultRetryPolicyType:
		return DefaultRetryPolicy{}, nil
	case FallthroughRetryPolicyType:
		return FallthroughRetryPolicy{}, nil
	case DowngradingRetryPolicyType:
		return DowngradingConsistencyRetryPolicy{}, nil
	default:
		return nil, fmt.Errorf("unknown retry policy %q", cfg.Type)
	}
}
