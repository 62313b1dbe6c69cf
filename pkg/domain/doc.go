/*
Package domain contains the core domain models shared by the Portino bridge
client and server.

It defines the canonical identities (PortKey, HandleKey), the monitor state
alphabets (physical and logical), the logical event vocabulary fed to the
tracker's reducer, the owner-lease record used for cross-process arbitration,
and the error taxonomy. This package is kept pure and free of external
dependencies like I/O or persistence, following Hexagonal Architecture
principles.

# Key Entities

  - PortKey / HandleKey: identity of a physical port and of one hardware
    configuration of it.
  - LogicalContext / LogicalState: the deduplicated, client-facing view of a
    monitor, reconstructable from a single snapshot.
  - Event: tagged logical events (PORT_DETECTED, OPEN_OK, ...).
  - OwnerLease / Identity: shared ownership record and the OR-match rule.
  - MonitorError / BridgeInUseError: structured failure taxonomy.
*/
package domain
