// Package service wires the recond components together.
//
// Overview
// A Service owns the authorization gate, the module registry, the job
// store and the scheduler. Submit runs the synchronous checks and hands an
// accepted job to the scheduler, which runs its tools one after another
// through an executor. Queries are answered from the store, merged with
// the live state of running jobs.
//
// Data flow:
//
//	Submit            Gate            Registry/rcscript      Scheduler         Executor
//	  |                 |                    |                    |                 |
//	  | rate limit ---->|                    |                    |                 |
//	  | authorize ----->| audit record       |                    |                 |
//	  | resolve + render ------------------->|                    |                 |
//	  | queue ------------------------------------------------->|                 |
//	  |                 |                    |<---- plan(idx) ----|                 |
//	  |                 |                    |                    | Execute ------->|
//	  |                 |                    |                    |<---- Outcome ---|
//	  |                 |                    |                    | parse + store   |
//	  |                 |                    |                    | export (done)   |
//
// Invariants:
//   - A job exists only for a target the gate authorized, and every gate
//     decision is audited before it is returned.
//   - Every tool request of a job ends as a ToolResult or is named in the
//     job error.
//   - Jobs found running at startup are failed, queued ones are authorized
//     again before they are re-enqueued.
//   - Terminal jobs older than store.retention are evicted by a periodic
//     sweep together with their workspace directory.
package service
