// Package portino lets many consumers share serial and network monitor
// connections through a single privileged bridge process.
//
// The bridge (internal/bridge) owns the physical connections: it opens ports,
// deduplicates identical opens into one shared monitor, buffers recent output
// for late subscribers and streams data to every consumer over a local TCP
// channel. Consumers embed the Monitor type from this package, which hides
// bridge discovery, ownership arbitration, launch-on-demand, reconnection and
// per-port session state behind a small API:
//
//	m, _ := portino.New(cfg, portino.WithLauncher(process.NewLauncher()))
//	m.Acquire("serial|/dev/ttyACM0")
//	m.Start(ctx, "serial|/dev/ttyACM0", "my-tool")
//	m.SubscribeData(func(port domain.PortKey, data []byte) { ... })
//
// Exactly one bridge runs per machine. When several installations compete
// for it, a lease file (or redis, behind the same interface) arbitrates who
// may restart it; an incompatible bridge that is still healthy is never
// killed, the caller gets a BridgeInUseError instead.
package portino
