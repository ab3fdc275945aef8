// Package logx provides a small structured logging facade over zerolog with
// live-reconfigurable sinks (console, file).
package logx
