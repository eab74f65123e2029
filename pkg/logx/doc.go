// Package logx wraps zerolog behind a small Field-based API.
//
// Components receive a Logger value; the Service owns sink configuration
// (console/file) and can swap levels and outputs at runtime without the
// holders of derived Loggers noticing.
package logx
