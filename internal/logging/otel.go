package logging

import (
	"fmt"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/conductd/internal/config"
)

// newDualCore creates a core with stdout and, when enabled, OTEL output.
func newDualCore(cfg config.LoggingConfig, otelProvider log.LoggerProvider) (zapcore.Core, error) {
	cores := make([]zapcore.Core, 0, 2)

	encoder := NewRedactingEncoder(newEncoder(cfg.Format), cfg.RedactFields)
	writer := zapcore.AddSync(os.Stdout)
	cores = append(cores, zapcore.NewCore(encoder, writer, cfg.Level))

	if cfg.OTEL && otelProvider != nil {
		otelCore := otelzap.NewCore("conductd",
			otelzap.WithLoggerProvider(otelProvider),
		)
		cores = append(cores, otelCore)
	}

	if len(cores) == 0 {
		return nil, fmt.Errorf("at least one output must be enabled and available")
	}

	if len(cores) == 1 {
		return cores[0], nil
	}
	return zapcore.NewTee(cores...), nil
}
