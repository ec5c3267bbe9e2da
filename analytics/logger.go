package analytics

import (
	"os"

	"github.com/mohitkumar/fleetrules/model"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var _ WorkflowDataCollector = new(LogFileDataCollector)

type LogFileDataCollector struct {
	fileName string
	logger   *zap.Logger
}

func NewLogFileDataCollector(fileName string) (*LogFileDataCollector, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.StacktraceKey = ""
	encoderConfig.CallerKey = ""
	fileEncoder := zapcore.NewJSONEncoder(encoderConfig)
	logFile, err := os.OpenFile(fileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	writer := zapcore.AddSync(logFile)
	core := zapcore.NewCore(fileEncoder, writer, zapcore.InfoLevel)
	return &LogFileDataCollector{
		fileName: fileName,
		logger:   zap.New(core),
	}, nil
}

func (lc *LogFileDataCollector) RecordActionSuccess(workflowID int64, executionID string, actionType model.ActionType, actionID int64, output map[string]any) {
	lc.logger.Info("success", zap.Int64("workflow", workflowID), zap.String("execution", executionID), zap.String("action", string(actionType)), zap.Int64("actionId", actionID), zap.Any("output", output))
}

func (lc *LogFileDataCollector) RecordActionFailure(workflowID int64, executionID string, actionType model.ActionType, actionID int64, reason string) {
	lc.logger.Info("failure", zap.Int64("workflow", workflowID), zap.String("execution", executionID), zap.String("action", string(actionType)), zap.Int64("actionId", actionID), zap.String("reason", reason))
}

func (lc *LogFileDataCollector) RecordExecution(exec *model.Execution) {
	fields := []zap.Field{
		zap.Int64("workflow", exec.WorkflowID),
		zap.String("execution", exec.ID),
		zap.String("status", string(exec.Status)),
		zap.String("triggeredBy", exec.TriggeredBy),
	}
	if exec.CompletedAt != nil {
		fields = append(fields, zap.Duration("duration", exec.CompletedAt.Sub(exec.StartedAt)))
	}
	if exec.ErrorMessage != "" {
		fields = append(fields, zap.String("error", exec.ErrorMessage))
	}
	lc.logger.Info("execution", fields...)
}

func (lc *LogFileDataCollector) Sync() error {
	return lc.logger.Sync()
}
