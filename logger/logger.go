// Package logger provides adapters for popular logger libraries to work with artidx's Logger interface.
//
// The standard library's slog.Logger already implements artidx.Logger directly.
//
// Example with zap:
//
//	zapLogger, _ := zap.NewProduction()
//	ix, err := artidx.Open("orders.idx", artidx.WithLogger(logger.NewZap(zapLogger)))
//	if err != nil {
//	    panic(err)
//	}
//	defer ix.Close()
package logger
