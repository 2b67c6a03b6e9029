// Package crawler executes the segment program breadth-first over a
// bounded frontier, streaming extracted values as they are produced
package crawler

import "fmt"

// ProgramError is a runtime invariant violation discovered while
// dispatching a segment, such as an absolute path where the narrowed
// context forbids one.
type ProgramError struct {
	Msg string
}

func (e *ProgramError) Error() string { return "program error: " + e.Msg }

// ConfigError is an invalid engine configuration, raised before any
// crawling starts.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "config error: " + e.Msg }

func configErrorf(format string, args ...any) *ConfigError {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}
