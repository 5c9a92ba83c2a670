// Package gram provides reliable message delivery over unreliable,
// size-limited datagram transports.
//
// # Overview
//
// Datagram transports such as UDP drop, duplicate, and reorder packets, and
// cap the size of a single packet. gram layers three mechanisms on top of any
// such transport to turn "send bytes, maybe" into "send message, reliably":
//
//   - Fragmentation and reassembly of arbitrary-length messages
//   - Per-message acknowledgement with bounded retransmission
//   - Duplicate suppression, so the application observes each message at most once
//
// gram never opens sockets itself. It consumes anything implementing the small
// transport.Transport interface and ships ready-made implementations for UDP,
// WebSocket frames, and an in-memory lossy network for testing.
//
// # Organization
//
//   - github.com/localrivet/gram/reliable: the delivery endpoint (the main entry point)
//   - github.com/localrivet/gram/wire: the envelope codec
//   - github.com/localrivet/gram/fragment: payload fragmentation and reassembly
//   - github.com/localrivet/gram/transport: the transport interface and implementations
//
// # Basic Usage
//
//	tr := udp.NewTransport(udp.WithLocalAddr(":9000"))
//	ep, err := reliable.New(tr,
//	    reliable.WithMaxFragmentPayload(1400),
//	    reliable.WithRetryTimeout(500*time.Millisecond),
//	    reliable.WithMaxRetries(5),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ep.SetHandler(func(msg []byte, from string) {
//	    fmt.Printf("message from %s: %s\n", from, msg)
//	})
//	if err := ep.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer ep.Stop()
//
//	if err := ep.Send(ctx, []byte("hello"), "10.0.0.2:9000"); err != nil {
//	    log.Printf("delivery failed: %v", err)
//	}
//
// Each message is delivered independently; gram does not order distinct
// messages relative to each other. Fragments of a single message may arrive
// in any order and are reassembled correctly regardless.
package gram

// Version is the current version of the gram library.
const Version = "0.3.0"
