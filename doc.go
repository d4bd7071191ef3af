// Package grpcserver implements a gRPC server runtime: it accepts HTTP/2
// connections, demultiplexes incoming streams into RPC calls, dispatches
// each call to a registered method handler according to its streaming
// shape (unary, client-streaming, server-streaming, bidirectional), and
// manages the lifecycles of listeners, sessions, and streams with
// observable telemetry.
//
// # Architecture
//
// Three collaborating pieces do the work:
//
//   - The bind engine ([Server.BindAsync]) drives a [Resolver] to turn an
//     address specification into zero or more concrete listening sockets,
//     with partial-success semantics when some addresses fail to bind.
//   - The dispatch core (internal, driven by the transport layer) reads
//     each new HTTP/2 stream's content-type and path, looks up the
//     registered [Handler], and drives one of the four streaming shapes
//     through a [CallStream].
//   - The telemetry graph (internal/telemetry) assigns ids to the server,
//     its listeners, and its live sessions, and serves on-demand snapshots
//     of their observable state.
//
// Every telemetry counter (call and stream start/success/failure) is
// mutated on a single cooperative event loop
// (github.com/joeycumines/go-eventloop), matching the single-threaded
// state-mutation model described by the runtime's design: handler bodies
// and transport goroutines submit their counter updates onto the loop
// rather than mutating shared counters directly. Once the loop no longer
// accepts work (e.g. during shutdown), updates are applied inline instead.
//
// # Usage
//
//	srv, err := grpcserver.NewServer(grpcserver.Insecure())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := srv.AddService(def, impl); err != nil {
//	    log.Fatal(err)
//	}
//	srv.BindAsync("0.0.0.0:0", func(err error, port int) {
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    srv.Start()
//	})
package grpcserver
