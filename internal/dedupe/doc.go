// Package dedupe remembers recently accepted keys for a bounded time so that
// replayed submissions can be acknowledged without being applied twice.
package dedupe
