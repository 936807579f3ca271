// Package logging provides structured logging for learnd components.
//
// It wraps zap with context-aware methods that automatically attach
// correlation fields (trace ID, session ID, request ID) pulled from the
// request context, so every pipeline stage logs with the same identity.
//
// Typical usage:
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithSessionID(ctx, sessionID)
//	logger.Info(ctx, "record ingested", zap.String("record_id", id))
//
// Services that only need a plain zap logger can call Underlying().
package logging
