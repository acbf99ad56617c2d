// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package pipectx carries the per-call logging and trace sink threaded
// through both star detectors (nina.Detect and hocusfocus.Detect). It intentionally has no
// third-party logging dependency: a single frame is processed synchronously,
// so a plain io.Writer is enough.
package pipectx

import (
	"fmt"
	"io"
)

// Context is passed by pointer down the pipeline, the same way ops.Context
// threads a log writer through nightlight's operator chain.
type Context struct {
	// Log receives one line per pipeline stage. Defaults to io.Discard.
	Log io.Writer

	// VerboseID correlates trace lines back to a caller-assigned frame ID.
	VerboseID string

	// TraceSink receives fine-grained per-step diagnostics (resize factor
	// chosen, blob and candidate counts, noise estimate). Nil means tracing
	// is off.
	TraceSink func(line string)
}

// Background returns a Context that discards all logging and tracing.
func Background() *Context {
	return &Context{Log: io.Discard}
}

func (c *Context) writer() io.Writer {
	if c == nil || c.Log == nil {
		return io.Discard
	}
	return c.Log
}

// Logf writes a formatted line to the context's log, prefixed with the
// frame's VerboseID when set.
func (c *Context) Logf(format string, args ...any) {
	w := c.writer()
	if c != nil && c.VerboseID != "" {
		fmt.Fprintf(w, "%s: ", c.VerboseID)
	}
	fmt.Fprintf(w, format, args...)
}

// Trace emits a debug line through the injected sink, if any. Formatting is
// skipped entirely when no sink is installed.
func (c *Context) Trace(format string, args ...any) {
	if c == nil || c.TraceSink == nil {
		return
	}
	c.TraceSink(fmt.Sprintf(format, args...))
}
