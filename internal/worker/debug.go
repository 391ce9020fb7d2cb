package worker

import (
	"os"
	"strings"

	"go.uber.org/zap"
)

var workerDebugEnabled = strings.EqualFold(os.Getenv("CHATGUARD_WORKER_DEBUG"), "1")

// debugLog traces scheduling decisions when CHATGUARD_WORKER_DEBUG=1. The
// trace is emitted at info level so it shows up without lowering the
// process log level.
func debugLog(logger *zap.Logger, msg string, fields ...zap.Field) {
	if workerDebugEnabled && logger != nil {
		logger.Info(msg, fields...)
	}
}
