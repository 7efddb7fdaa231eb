package runtime

// PanicPolicy controls what happens after a panic has been recovered and
// logged.
type PanicPolicy int

const (
	// KeepRunning logs the panic and lets the goroutine continue. Use for
	// workers and handlers where one bad unit of work must not take down
	// the process.
	KeepRunning PanicPolicy = iota

	// CrashProcess logs the panic and re-panics. Use for critical sections
	// where continuing after a panic would corrupt state.
	CrashProcess
)

// String returns the policy name, or "Unknown" for values outside the
// defined set.
func (p PanicPolicy) String() string {
	switch p {
	case KeepRunning:
		return "KeepRunning"
	case CrashProcess:
		return "CrashProcess"
	default:
		return "Unknown"
	}
}
