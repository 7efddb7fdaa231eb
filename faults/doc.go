// Package faults classifies delivery and handler errors into a small
// category taxonomy, decides retryability per category, and captures
// structured failure traces with a stable fingerprint for grouping.
//
// Classification is pure: no I/O, and identical inputs always produce the
// same category, so consumers can branch on it deterministically.
package faults
