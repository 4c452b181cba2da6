// Package chainloom lets independently operated machines jointly serve one
// very large sequential model, each hosting a contiguous run of its layers
// ("blocks").
//
// A `Swarm` is a mesh of processes discovering each other over a UDP gossip
// protocol. Servers announce which block span they host, together with a
// measured throughput, and those announcements converge into every member's
// local `Directory`. Announcements carry a ttl: a server that crashes simply
// stops refreshing and fades out of the Directory, no leave protocol needed.
//
// Clients plan a `Route`: an ordered, gap-free chain of server spans covering
// the whole model, picked by a weighted shortest-path search over candidate
// spans. A `Session` then streams activations hop by hop through that chain,
// step after step, while each server keeps an opaque continuation state for
// the (session, hop) pair so it never recomputes the running context.
//
// When a hop dies or times out mid-generation, the session does NOT restart:
// only the failed sub-span is re-planned (avoiding the dead peer, preferring
// to keep every other hop where it is), the fresh hops are spliced in, and
// the in-flight step is retried once. State on untouched hops survives.
//
// ## Design Principles
//
// chainloom is built for low-quality, heterogeneous networks. There is no
// consensus protocol and no central authority: the Directory is eventually
// consistent, lookups are bounded and happily return partial results, and
// every API is explicit about failure. Callers MUST be ready to handle
// network errors; the library's job is to make recovery cheap, not to
// pretend the network is reliable.
//
// Dependencies are kept deliberately small:
//
//   - [`hashicorp/serf`] and [`hashicorp/memberlist`], for membership and
//     announcement gossip.
//   - [`quic-go`], for the activation data plane: one multiplexed
//     connection per peer, one stream per hop invocation.
//   - [`hashicorp/go-metrics`], so you choose where telemetry goes.
//
// The actual block computation is NOT part of this package: servers plug in
// any implementation of `BlockExecutor` (the tensor math, quantization and
// weight loading live behind that interface).
//
// [`hashicorp/serf`]: https://pkg.go.dev/github.com/hashicorp/serf
// [`hashicorp/memberlist`]: https://pkg.go.dev/github.com/hashicorp/memberlist
// [`quic-go`]: https://pkg.go.dev/github.com/quic-go/quic-go
// [`hashicorp/go-metrics`]: https://pkg.go.dev/github.com/hashicorp/go-metrics
package chainloom
