/*
Package rule holds the flow and param flow rules the token server admits
requests against.

Rules are grouped by namespace and keyed by a flow id that is unique across
namespaces. A Manager serves lookups from an immutable snapshot and replaces
the snapshot wholesale on every update, so readers never see a half applied
batch and an invalid batch leaves the previous rules in effect:

	m := rule.NewManager(logger)
	m.OnConfigChange(func(c rule.Change) {
		// reset counters for c.FlowIDs
	})
	err := m.LoadFlowRules("orders", []rule.FlowRule{
		{FlowID: 101, Threshold: 500, ThresholdType: rule.ThresholdGlobal},
	})

Two sources feed a Manager: RedisSource reads per namespace hashes and
follows a pub/sub channel for change notifications, and FileSource reads a
YAML file through viper and reapplies it when the file changes.
*/
package rule
