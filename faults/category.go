package faults

// Category is the coarse classification of a failure. It drives the
// retry-or-park decision on the consumer side.
type Category string

const (
	// CategoryTransient covers failures expected to clear on their own,
	// such as timeouts and momentary unavailability.
	CategoryTransient Category = "TRANSIENT"

	// CategoryValidation covers malformed or semantically invalid input.
	// Redelivery cannot fix the payload.
	CategoryValidation Category = "VALIDATION"

	// CategorySecurity covers authentication and authorization failures.
	CategorySecurity Category = "SECURITY"

	// CategoryBusiness covers domain rule violations, such as conflicts
	// and missing referenced entities.
	CategoryBusiness Category = "BUSINESS"

	// CategoryInfrastructure covers broken dependencies: databases,
	// brokers, DNS, closed connections.
	CategoryInfrastructure Category = "INFRASTRUCTURE"

	// CategoryUnknown is the fallback when nothing matched.
	CategoryUnknown Category = "UNKNOWN"
)

// IsRetryable reports whether redelivery can plausibly succeed. Unknown
// failures retry so that a miss in the classification table never drops a
// recoverable message.
func (c Category) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryInfrastructure, CategoryUnknown:
		return true
	default:
		return false
	}
}

// IsValid reports whether c is one of the defined categories.
func (c Category) IsValid() bool {
	switch c {
	case CategoryTransient, CategoryValidation, CategorySecurity,
		CategoryBusiness, CategoryInfrastructure, CategoryUnknown:
		return true
	default:
		return false
	}
}

func (c Category) String() string {
	return string(c)
}
