// Package conflict provides advisory per-path file locks and detection of
// overlapping writes by different agents.
//
// Locks are exclusive per path and expire after a TTL. Expiry is enforced
// lazily whenever the lock table is touched; there is no sweeper goroutine.
//
// RecordWrite keeps a per-path write history. A write that lands within the
// conflict window of another agent's write to the same path creates a
// Conflict, which is later resolved exactly once with a merge Strategy.
package conflict
