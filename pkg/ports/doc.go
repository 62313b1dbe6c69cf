/*
Package ports defines the driven ports (interfaces) for the Portino monitor
bridge.

These interfaces decouple the coordination core from external collaborators,
allowing the ownership orchestrator and the bridge client to work with various
lease backends, process spawners, and notification channels.

# Key Interfaces

  - LeaseStore: shared, unlocked owner-lease storage (file or Redis).
  - ProcessLauncher: spawns the privileged bridge process.
  - Notifier: surfaces terminal, non-recoverable failures to the user.
  - Clock: injectable time source for the timing heuristics.
*/
package ports
