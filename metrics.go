package devicemanager

import metrics "github.com/docker/go-metrics"

var (
	policyActions  metrics.LabeledTimer
	commitFailures metrics.Counter
	trackedCgroups metrics.Gauge
)

func init() {
	ns := metrics.NewNamespace("devicemanager", "", nil)
	policyActions = ns.NewLabeledTimer("policy_actions", "The number of seconds it takes to process each device policy action", "action")
	for _, a := range []string{"configure", "reconfigure"} {
		policyActions.WithValues(a).Update(0)
	}
	commitFailures = ns.NewCounter("commit_failures", "The total number of device policy commits rejected by the cgroup driver")
	trackedCgroups = ns.NewGauge("tracked_cgroups", "The number of cgroups with a device access policy", metrics.Unit("cgroups"))
	metrics.Register(ns)
}
