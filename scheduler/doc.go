/*
Package scheduler dispatches LLM requests across tenants with quota
admission, priority queueing and bounded retry.

Requests are submitted asynchronously: Submit performs validation and quota
admission synchronously and returns a request id; a worker pool drains a
multi-tier priority queue where scopes are served round-robin and starved
entries age upward. AwaitResult blocks for the terminal outcome.

The Scheduler façade wires the quota manager, the per-scope client registry
and the request manager together; the three can also be used directly.
*/
package scheduler
