package faults

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// Matcher inspects an error and either claims it with a category or
// declines by returning false.
type Matcher func(err error) (Category, bool)

// MatchSentinel claims errors matching target via errors.Is.
func MatchSentinel(target error, category Category) Matcher {
	return func(err error) (Category, bool) {
		if target != nil && errors.Is(err, target) {
			return category, true
		}

		return "", false
	}
}

// MatchType claims errors assignable to T via errors.As.
func MatchType[T error](category Category) Matcher {
	return func(err error) (Category, bool) {
		var target T
		if errors.As(err, &target) {
			return category, true
		}

		return "", false
	}
}

// CategorizerOption customizes a Categorizer at construction.
type CategorizerOption func(*Categorizer)

// WithMatcher prepends a custom matcher. Custom matchers run before the
// built-in table, in registration order.
func WithMatcher(matcher Matcher) CategorizerOption {
	return func(c *Categorizer) {
		if matcher != nil {
			c.custom = append(c.custom, matcher)
		}
	}
}

// WithSentinel maps a sentinel error to a category ahead of the built-ins.
func WithSentinel(target error, category Category) CategorizerOption {
	return WithMatcher(MatchSentinel(target, category))
}

// Categorizer classifies errors. The zero value is not usable; construct
// with NewCategorizer.
type Categorizer struct {
	custom []Matcher
}

// NewCategorizer builds a categorizer with the built-in sentinel table and
// keyword heuristics, optionally extended with custom matchers.
func NewCategorizer(opts ...CategorizerOption) *Categorizer {
	categorizer := &Categorizer{}

	for _, opt := range opts {
		if opt != nil {
			opt(categorizer)
		}
	}

	return categorizer
}

// Categorize resolves a category for err. Resolution order: custom
// matchers, the built-in sentinel and interface table, message keyword
// heuristics, then CategoryUnknown.
func (c *Categorizer) Categorize(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	for _, matcher := range c.custom {
		if category, ok := matcher(err); ok {
			return category
		}
	}

	if category, ok := categorizeBuiltin(err); ok {
		return category
	}

	if category, ok := categorizeByKeywords(err.Error()); ok {
		return category
	}

	return CategoryUnknown
}

// IsRetryable reports whether err's category permits redelivery.
func (c *Categorizer) IsRetryable(err error) bool {
	return c.Categorize(err).IsRetryable()
}

// NonRetryable adapts the categorizer to the predicate shape used by
// publish and consume retry loops.
func (c *Categorizer) NonRetryable() func(error) bool {
	return func(err error) bool {
		return err != nil && !c.IsRetryable(err)
	}
}

func categorizeBuiltin(err error) (Category, bool) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTransient, true
	case errors.Is(err, context.Canceled):
		return CategoryTransient, true
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return CategoryInfrastructure, true
	case errors.Is(err, sql.ErrConnDone),
		errors.Is(err, sql.ErrTxDone),
		errors.Is(err, driver.ErrBadConn):
		return CategoryInfrastructure, true
	case errors.Is(err, io.ErrUnexpectedEOF):
		return CategoryInfrastructure, true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTransient, true
		}

		return CategoryInfrastructure, true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CategoryInfrastructure, true
	}

	return "", false
}

// keywordRules is ordered: the first matching rule wins, so the more
// specific vocabularies sit above the broad infrastructure catch-all.
var keywordRules = []struct {
	category Category
	keywords []string
}{
	{CategoryTransient, []string{
		"timeout", "timed out", "deadline exceeded", "temporarily unavailable",
		"service unavailable", "too many requests", "rate limit", "try again",
	}},
	{CategorySecurity, []string{
		"unauthorized", "unauthenticated", "forbidden", "access denied",
		"permission denied", "invalid credentials", "token expired",
	}},
	{CategoryValidation, []string{
		"validation", "invalid", "malformed", "unmarshal", "cannot parse",
		"parse error", "required field", "schema", "unexpected end of json",
	}},
	{CategoryBusiness, []string{
		"not found", "already exists", "duplicate", "conflict",
		"insufficient", "precondition",
	}},
	{CategoryInfrastructure, []string{
		"connection refused", "connection reset", "broken pipe", "no route to host",
		"connection", "broker", "database", "dial", "dns", "channel closed",
	}},
}

func categorizeByKeywords(message string) (Category, bool) {
	message = strings.ToLower(message)

	for _, rule := range keywordRules {
		for _, keyword := range rule.keywords {
			if strings.Contains(message, keyword) {
				return rule.category, true
			}
		}
	}

	return "", false
}
