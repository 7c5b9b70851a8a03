// Package log provides structured logging for Hutch, built on zerolog.
//
// A single global logger is initialized once at process start via Init and
// consumed through package-level helpers or component-scoped child loggers
// (WithComponent, WithProject, WithTask, WithHostname). Console output is
// used for interactive runs, JSON for production.
package log
