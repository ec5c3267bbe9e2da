package analytics

import (
	"github.com/mohitkumar/fleetrules/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var _ WorkflowDataCollector = new(PrometheusDataCollector)

type PrometheusDataCollector struct {
	actions    *prometheus.CounterVec
	executions *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

func NewPrometheusDataCollector(reg prometheus.Registerer) *PrometheusDataCollector {
	factory := promauto.With(reg)
	return &PrometheusDataCollector{
		actions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetrules",
			Name:      "action_results_total",
			Help:      "Executed workflow actions by type and outcome.",
		}, []string{"action_type", "result"}),
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetrules",
			Name:      "executions_total",
			Help:      "Finished workflow executions by status.",
		}, []string{"status"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fleetrules",
			Name:      "execution_duration_seconds",
			Help:      "Time from execution start to completion.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"status"}),
	}
}

func (pc *PrometheusDataCollector) RecordActionSuccess(workflowID int64, executionID string, actionType model.ActionType, actionID int64, output map[string]any) {
	pc.actions.WithLabelValues(string(actionType), "success").Inc()
}

func (pc *PrometheusDataCollector) RecordActionFailure(workflowID int64, executionID string, actionType model.ActionType, actionID int64, reason string) {
	pc.actions.WithLabelValues(string(actionType), "failure").Inc()
}

func (pc *PrometheusDataCollector) RecordExecution(exec *model.Execution) {
	status := string(exec.Status)
	pc.executions.WithLabelValues(status).Inc()
	if exec.CompletedAt != nil {
		pc.duration.WithLabelValues(status).Observe(exec.CompletedAt.Sub(exec.StartedAt).Seconds())
	}
}
