// Package types defines the shared value types of the scheduler: the
// structured error taxonomy and usage accounting records. It has no
// dependencies and is imported by every other package.
package types
