// Package dedupe remembers idempotency keys for a limited time so a retried
// request can be answered with the result of the first attempt.
package dedupe
