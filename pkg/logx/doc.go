// Package logx is batchctl's structured logging layer.
//
// Logger wraps zerolog so call sites pass typed fields (logx.String, logx.Err, ...)
// and components scope themselves with With(logx.String("comp", ...)).
// Service owns the sinks (readable console, JSON lines file) and swaps them on
// config reload without invalidating loggers already handed out.
package logx
