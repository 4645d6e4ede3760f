// Package logging provides structured logging with OpenTelemetry integration.
//
// # Overview
//
// Logging package wraps Zap with:
//   - Dual output (stdout + OpenTelemetry)
//   - Automatic context field injection (trace_id, workflow, task, role)
//   - Encoder-level secret redaction
//
// # Usage
//
// Create logger from config:
//
//	logger, err := logging.New(cfg.Logging, otelProvider)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
// Log with context:
//
//	ctx := logging.WithWorkflowID(ctx, "wf_123")
//	ctx = logging.WithTaskID(ctx, "t4")
//	logger.Info(ctx, "task delegated", zap.Duration("duration", d))
//
// Output includes automatic correlation:
//
//	{
//	  "ts": "2026-08-23T10:15:30Z",
//	  "level": "info",
//	  "msg": "task delegated",
//	  "trace_id": "abc123",
//	  "workflow.id": "wf_123",
//	  "task.id": "t4",
//	  "duration": "45ms"
//	}
//
// # Secret Redaction
//
// Secrets are redacted at two layers:
//  1. Domain primitives (config.Secret type)
//  2. Encoder-level field name filtering
//
// Use helpers for manual redaction:
//
//	logger.Info(ctx, "auth received",
//	    logging.RedactedString("authorization", authHeader))
//
// # Testing
//
// Use TestLogger for test assertions:
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "test message", zap.String("key", "value"))
//	tl.AssertLogged(t, zapcore.InfoLevel, "test message")
//	tl.AssertField(t, "test message", "key", "value")
//
// # Concurrency Safety
//
// Logger is safe for concurrent use. Child loggers (With, Named) are
// independent and do not affect parent or siblings.
package logging
