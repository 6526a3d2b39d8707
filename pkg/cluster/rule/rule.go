package rule

import (
	"maps"
	"strconv"

	"github.com/vnykmshr/clusterflow/pkg/common/errors"
	"github.com/vnykmshr/clusterflow/pkg/common/validation"
)

const (
	// DefaultNamespace is used for rules and connections that name none.
	DefaultNamespace = "default"

	// DefaultSampleCount is the bucket count used when a rule leaves it unset.
	DefaultSampleCount = 10

	// DefaultWindowIntervalMs is the window length used when a rule leaves it unset.
	DefaultWindowIntervalMs = 1000
)

// ThresholdType tells the server how to interpret a rule threshold.
type ThresholdType int

const (
	// ThresholdAvgLocal means the threshold applies per connected client, so
	// the cluster-wide limit scales with the namespace connection count.
	ThresholdAvgLocal ThresholdType = 0
	// ThresholdGlobal means the threshold is the cluster-wide limit.
	ThresholdGlobal ThresholdType = 1
)

func (t ThresholdType) String() string {
	switch t {
	case ThresholdAvgLocal:
		return "avg_local"
	case ThresholdGlobal:
		return "global"
	default:
		return "unknown(" + strconv.Itoa(int(t)) + ")"
	}
}

// FlowConfig is the admission configuration of one flow.
type FlowConfig struct {
	Threshold        float64
	ThresholdType    ThresholdType
	WindowIntervalMs int
	SampleCount      int
}

// FlowRule binds a flow id in a namespace to its configuration.
type FlowRule struct {
	FlowID           int64         `mapstructure:"flow_id" json:"flow_id"`
	Namespace        string        `mapstructure:"namespace" json:"namespace,omitempty"`
	Threshold        float64       `mapstructure:"threshold" json:"threshold"`
	ThresholdType    ThresholdType `mapstructure:"threshold_type" json:"threshold_type"`
	WindowIntervalMs int           `mapstructure:"window_interval_ms" json:"window_interval_ms,omitempty"`
	SampleCount      int           `mapstructure:"sample_count" json:"sample_count,omitempty"`
}

// Config returns the admission configuration carried by the rule.
func (r FlowRule) Config() FlowConfig {
	return FlowConfig{
		Threshold:        r.Threshold,
		ThresholdType:    r.ThresholdType,
		WindowIntervalMs: r.WindowIntervalMs,
		SampleCount:      r.SampleCount,
	}
}

// ParamFlowRule limits every distinct parameter value of a flow
// separately. Items overrides the threshold for specific values, keyed by
// the value's string form.
type ParamFlowRule struct {
	FlowID           int64              `mapstructure:"flow_id" json:"flow_id"`
	Namespace        string             `mapstructure:"namespace" json:"namespace,omitempty"`
	Threshold        float64            `mapstructure:"threshold" json:"threshold"`
	ThresholdType    ThresholdType      `mapstructure:"threshold_type" json:"threshold_type"`
	WindowIntervalMs int                `mapstructure:"window_interval_ms" json:"window_interval_ms,omitempty"`
	SampleCount      int                `mapstructure:"sample_count" json:"sample_count,omitempty"`
	Items            map[string]float64 `mapstructure:"items" json:"items,omitempty"`
}

// Config returns the admission configuration shared by every value.
func (r ParamFlowRule) Config() FlowConfig {
	return FlowConfig{
		Threshold:        r.Threshold,
		ThresholdType:    r.ThresholdType,
		WindowIntervalMs: r.WindowIntervalMs,
		SampleCount:      r.SampleCount,
	}
}

// ThresholdFor returns the threshold of one parameter value.
func (r ParamFlowRule) ThresholdFor(value string) float64 {
	if t, ok := r.Items[value]; ok {
		return t
	}
	return r.Threshold
}

func (r ParamFlowRule) equal(o ParamFlowRule) bool {
	return r.FlowID == o.FlowID &&
		r.Namespace == o.Namespace &&
		r.Threshold == o.Threshold &&
		r.ThresholdType == o.ThresholdType &&
		r.WindowIntervalMs == o.WindowIntervalMs &&
		r.SampleCount == o.SampleCount &&
		maps.Equal(r.Items, o.Items)
}

func normalizeNamespace(ns string) string {
	if ns == "" {
		return DefaultNamespace
	}
	return ns
}

// normalize fills unset fields and validates the result.
func (r *FlowRule) normalize(namespace string) error {
	r.Namespace = namespace
	if r.WindowIntervalMs == 0 {
		r.WindowIntervalMs = DefaultWindowIntervalMs
	}
	if r.SampleCount == 0 {
		r.SampleCount = DefaultSampleCount
	}
	return validateConfig("flow rule "+strconv.FormatInt(r.FlowID, 10), r.Config())
}

func (r *ParamFlowRule) normalize(namespace string) error {
	r.Namespace = namespace
	r.Items = maps.Clone(r.Items)
	if r.WindowIntervalMs == 0 {
		r.WindowIntervalMs = DefaultWindowIntervalMs
	}
	if r.SampleCount == 0 {
		r.SampleCount = DefaultSampleCount
	}
	module := "param flow rule " + strconv.FormatInt(r.FlowID, 10)
	for value, t := range r.Items {
		if err := validation.ValidateNonNegative(module, "items["+value+"]", t); err != nil {
			return err
		}
	}
	return validateConfig(module, r.Config())
}

func validateConfig(module string, c FlowConfig) error {
	if err := validation.ValidateNonNegative(module, "threshold", c.Threshold); err != nil {
		return err
	}
	if c.ThresholdType != ThresholdAvgLocal && c.ThresholdType != ThresholdGlobal {
		return errors.NewValidationError(module, "threshold_type", c.ThresholdType, "unknown threshold type").
			WithHint("use 0 (avg_local) or 1 (global)")
	}
	if err := validation.ValidatePositive(module, "sample_count", c.SampleCount); err != nil {
		return err
	}
	if err := validation.ValidatePositive(module, "window_interval_ms", c.WindowIntervalMs); err != nil {
		return err
	}
	return validation.ValidateDivisible(module, "window_interval_ms", c.WindowIntervalMs, c.SampleCount)
}
