package analytics

import (
	"fmt"

	"github.com/mohitkumar/fleetrules/model"
	"github.com/prometheus/client_golang/prometheus"
)

type DataCollectorConfig struct {
	FileName      string            `mapstructure:"file_name"`
	CollectorType DataCollectorType `mapstructure:"collector_type"`
}

type DataCollectorType string

const LOG_FILE_DATA_COLLECTOR DataCollectorType = "LOG_FILE_DATA_COLLECTOR"
const PROMETHEUS_DATA_COLLECTOR DataCollectorType = "PROMETHEUS_DATA_COLLECTOR"
const NOOP_DATA_COLLECTOR DataCollectorType = "NOOP_DATA_COLLECTOR"

// WorkflowDataCollector receives one record per executed action and one per
// finished execution.
type WorkflowDataCollector interface {
	RecordActionSuccess(workflowID int64, executionID string, actionType model.ActionType, actionID int64, output map[string]any)
	RecordActionFailure(workflowID int64, executionID string, actionType model.ActionType, actionID int64, reason string)
	RecordExecution(exec *model.Execution)
}

// InitDataCollector builds the configured collector. The prometheus
// collector registers its metrics with reg.
func InitDataCollector(config DataCollectorConfig, reg prometheus.Registerer) (WorkflowDataCollector, error) {
	switch config.CollectorType {
	case LOG_FILE_DATA_COLLECTOR:
		return NewLogFileDataCollector(config.FileName)
	case PROMETHEUS_DATA_COLLECTOR:
		return NewPrometheusDataCollector(reg), nil
	case NOOP_DATA_COLLECTOR, "":
		return NoopDataCollector{}, nil
	}
	return nil, fmt.Errorf("unknown data collector %q", config.CollectorType)
}

var _ WorkflowDataCollector = NoopDataCollector{}

type NoopDataCollector struct{}

func (NoopDataCollector) RecordActionSuccess(int64, string, model.ActionType, int64, map[string]any) {}
func (NoopDataCollector) RecordActionFailure(int64, string, model.ActionType, int64, string)         {}
func (NoopDataCollector) RecordExecution(*model.Execution)                                          {}
