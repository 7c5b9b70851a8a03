/*
Package scheduler executes lifecycle work for projects.

The scheduler owns all mutation of project state. API handlers and the
proxy never touch the runtime directly; they enqueue tasks and the
scheduler drains them through a bounded worker pool. Tasks for the same
project run strictly one at a time and in enqueue order, so two racing
operations on one project can never interleave their effects. Tasks for
different projects run concurrently up to the worker count.

# Admission

Builds and starts are the expensive operations on a shared host. Tasks
that lead to a container start pass an admission gate before running:
at most MaxConcurrentStarts starts in flight and at most
MaxResidentContainers containers resident on the host, both derived
from the host core count. A gated task waits with exponential backoff
up to the configured admission window and then fails with a capacity
error instead of queueing forever.

# Retries and supersession

Failed tasks retry with exponential backoff up to the retry cap, then
drive the project to Errored with the last error recorded. A destroy
enqueued for a project supersedes everything still queued for it: stale
health checks and advances are dropped rather than executed against a
project that is going away.

# Recovery

Tasks are persisted in the store. Recover rebuilds the queues and the
admission counters from the store after a restart and reconciles the
recorded view of every project against what the container runtime
actually reports, removing containers the store does not know about.
*/
package scheduler
