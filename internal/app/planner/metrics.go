package planner

import "github.com/taskday/project/internal/platform/metrics"

var (
	instancesMaterialized = metrics.NewCounterVec(metrics.Opts{
		Name: "planner_instances_materialized_total",
		Help: "Task instances created, labeled by what triggered them.",
	}, []string{"trigger"})

	generationPasses = metrics.NewCounterVec(metrics.Opts{
		Name: "planner_generation_passes_total",
		Help: "Per-user daily generation passes by outcome.",
	}, []string{"outcome"})
)

func init() {
	metrics.Default.MustRegister(instancesMaterialized, generationPasses)
}
