package server

import (
	"math"

	"github.com/vnykmshr/clusterflow/pkg/cluster/protocol"
	"github.com/vnykmshr/clusterflow/pkg/cluster/rule"
	"github.com/vnykmshr/clusterflow/pkg/cluster/window"
	cferrors "github.com/vnykmshr/clusterflow/pkg/common/errors"
	"github.com/vnykmshr/clusterflow/pkg/metrics"
)

// ConnectionCounter reports how many clients of a namespace are connected.
type ConnectionCounter interface {
	ConnectedCount(namespace string) int
}

// Result is a checker decision.
type Result struct {
	Status         protocol.Status
	RemainingCount int32
	WaitInMs       int32
}

func statusOnly(status protocol.Status) Result {
	return Result{Status: status}
}

func (r Result) response(id int32) *protocol.Response {
	switch r.Status {
	case protocol.StatusOK, protocol.StatusShouldWait, protocol.StatusBlocked:
		return protocol.NewResponse(id, r.Status, r.RemainingCount, r.WaitInMs)
	default:
		return protocol.NewStatusResponse(id, r.Status)
	}
}

// CheckerConfig wires a checker to its collaborators.
type CheckerConfig struct {
	// Registry supplies the rules. Required.
	Registry rule.Registry

	// Settings supplies ExceedCount and MaxOccupyWaitMs. Required.
	Settings *Settings

	// Limiter is consulted before any rule. If nil, no global limit applies.
	Limiter *GlobalLimiter

	// Connections scales AVG_LOCAL thresholds. If nil, one client is assumed.
	Connections ConnectionCounter

	// Clock drives the sliding windows. Default: window.SystemClock.
	Clock window.Clock

	// Metrics records decisions. If nil, a private registry is used.
	Metrics *metrics.Registry
}

func (c CheckerConfig) withDefaults() (CheckerConfig, error) {
	if c.Registry == nil {
		return c, cferrors.NewValidationError("server", "Registry", nil, "cannot be nil")
	}
	if c.Settings == nil {
		return c, cferrors.NewValidationError("server", "Settings", nil, "cannot be nil")
	}
	if c.Clock == nil {
		c.Clock = window.SystemClock{}
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Discard()
	}
	return c, nil
}

func (c CheckerConfig) connected(namespace string) int {
	if c.Connections == nil {
		return 1
	}
	return max(c.Connections.ConnectedCount(namespace), 1)
}

// threshold converts a rule threshold into the count admitted per window.
// AVG_LOCAL thresholds scale with the connected clients of namespace.
func (c CheckerConfig) threshold(base float64, typ rule.ThresholdType, namespace string, exceed float64) int64 {
	if typ == rule.ThresholdAvgLocal {
		base *= float64(c.connected(namespace))
	}
	return int64(math.Floor(base * exceed))
}

func clampInt32(n int64) int32 {
	switch {
	case n > math.MaxInt32:
		return math.MaxInt32
	case n < 0:
		return 0
	default:
		return int32(n)
	}
}
