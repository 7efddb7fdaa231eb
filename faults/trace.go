package faults

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"runtime"
)

// maxTraceDepth bounds wrapped-error traversal so a pathological or cyclic
// chain cannot blow up the trace.
const maxTraceDepth = 8

const fingerprintLength = 16

// TraceInfo is one node of a structured failure trace. Inner holds the
// wrapped causes, with multi-error aggregates flattened one level per node.
type TraceInfo struct {
	ErrorType   string      `json:"error_type"`
	Category    Category    `json:"category"`
	Message     string      `json:"message"`
	Source      string      `json:"source,omitempty"`
	Site        string      `json:"site,omitempty"`
	File        string      `json:"file,omitempty"`
	Line        int         `json:"line,omitempty"`
	Fingerprint string      `json:"fingerprint,omitempty"`
	Inner       []TraceInfo `json:"inner,omitempty"`
}

// Capture builds the trace for err, recording the caller as the failure
// site. The root node carries the fingerprint; inner nodes do not.
func (c *Categorizer) Capture(err error) TraceInfo {
	return c.capture(err, "", 1)
}

// CaptureWithSource is Capture with an explicit component name, for traces
// recorded far from the component that owns the failure.
func (c *Categorizer) CaptureWithSource(err error, source string) TraceInfo {
	return c.capture(err, source, 1)
}

func (c *Categorizer) capture(err error, source string, callerSkip int) TraceInfo {
	if err == nil {
		return TraceInfo{Category: CategoryUnknown}
	}

	site, file, line := callSite(callerSkip + 2)

	trace := c.buildNode(err, 0)
	trace.Source = source
	trace.Site = site
	trace.File = file
	trace.Line = line
	trace.Fingerprint = fingerprint(trace.ErrorType, site, file, line)

	return trace
}

func (c *Categorizer) buildNode(err error, depth int) TraceInfo {
	node := TraceInfo{
		ErrorType: fmt.Sprintf("%T", err),
		Category:  c.Categorize(err),
		Message:   err.Error(),
	}

	if depth >= maxTraceDepth {
		return node
	}

	for _, cause := range unwrapCauses(err) {
		if cause == nil {
			continue
		}

		node.Inner = append(node.Inner, c.buildNode(cause, depth+1))
	}

	return node
}

func unwrapCauses(err error) []error {
	switch unwrapped := err.(type) {
	case interface{ Unwrap() []error }:
		return unwrapped.Unwrap()
	case interface{ Unwrap() error }:
		cause := unwrapped.Unwrap()
		if cause == nil {
			return nil
		}

		return []error{cause}
	default:
		return nil
	}
}

func callSite(skip int) (site, file string, line int) {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "", "", 0
	}

	if fn := runtime.FuncForPC(pc); fn != nil {
		site = fn.Name()
	}

	return site, file, line
}

// fingerprint derives a stable grouping key from the error type and the
// capture site. The message is deliberately excluded so that variable
// payload fragments do not split one defect across many groups.
func fingerprint(errorType, site, file string, line int) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s:%d", errorType, site, file, line))

	return hex.EncodeToString(sum[:])[:fingerprintLength]
}
