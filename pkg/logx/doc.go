// Package logx is a thin structured-logging facade over zerolog.
//
// Components hold a Logger value; the zero value is a safe no-op. The
// Service owns the root logger and can swap sinks and levels at runtime
// via Apply(), so loggers derived from it stay live across reconfigures.
package logx
