// Package oplog bridges credit.OperationLogger to zap.
package oplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/creditmeter/pkg/credit"
	"go.uber.org/zap"
)

const logMessage = "credit operation"

// ZapLogger emits one structured log line per credit operation.
type ZapLogger struct {
	logger *zap.Logger
}

// New returns a ZapLogger writing through the supplied zap logger.
func New(logger *zap.Logger) *ZapLogger {
	return &ZapLogger{logger: logger}
}

func (adapter *ZapLogger) LogOperation(_ context.Context, entry credit.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.String("status", entry.Status),
	}
	if entry.ActionName.String() != "" {
		fields = append(fields, zap.String("action", entry.ActionName.String()))
	}
	if entry.Amount.Int64() != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount.Int64()))
	}
	if entry.Reason != credit.DenialNone {
		fields = append(fields, zap.String("reason", string(entry.Reason)))
	}
	if entry.Error != nil {
		adapter.logger.Warn(logMessage, append(fields, zap.Error(entry.Error))...)
		return
	}
	adapter.logger.Info(logMessage, fields...)
}
