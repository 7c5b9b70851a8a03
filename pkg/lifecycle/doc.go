/*
Package lifecycle is the policy layer of the control plane: a pure state
machine deciding, for a project's current state and an incoming signal, the
next state and the container side effects that transition requires.

Advance performs no I/O. Side effects are declarative values executed by the
scheduler against the runtime adapter and the store, which keeps every
transition decision unit-testable and makes retried transitions idempotent:
re-running Advance with the same project snapshot and signal yields the same
answer.

States and the signals that move between them:

	Creating ──user-start──▶ Starting ──health-ok──▶ Ready
	                            ▲  │                  │
	              idle wake ────┘  └──health-fail──▶  │ idle timeout
	                            │     (cap hit)       ▼
	  Stopped ◀──confirmed── Stopping ◀──user-stop── Idle
	                            Errored ◀─runtime error / retry cap
	                            │    ▲
	                         revive  └──────────────────┐
	  any state ──user-destroy──▶ Destroying ──confirmed──▶ Destroyed

Destroyed is the only terminal state. Errored is deliberately non-terminal:
it holds a retry count and the last error, and an explicit revive (or the
automatic retry policy, below its cap) sends the project back to Starting.

Reconcile handles drift: when the runtime's observed view of a container
disagrees with the store's recorded state, the store wins, and Reconcile
returns corrective effects (restart a missing backend, remove an orphan)
rather than adopting what the runtime reports.
*/
package lifecycle
