// Package mbus provides an embeddable message broker with peek-lock
// delivery, sessions, and dead-letter sub-queues, plus the Go client SDK
// that drives it. The broker runs fully in process: queues, message locks,
// and session state live in memory behind one mutex, which makes it a good
// fit for tests, examples, and single-binary deployments that need broker
// semantics without a broker deployment.
//
// Copyright (C) 2025 Michel Blomgren <https://pkt.systems>
//
// # Running a broker
//
// A zero Config is usable; Validate fills in the defaults (30s lock
// duration, 10 deliveries before dead-lettering, 256KiB session state).
//
//	broker, err := mbus.NewBroker(mbus.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	cli, err := broker.NewClient()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Clients built through NewClient inherit the broker's logger and clock.
// Anything else that implements client.Transport works too; pass
// broker.Transport() to client.New when you need client options the broker
// does not forward.
//
// # Sending and receiving
//
// The client package carries the messaging surface: senders, peek-lock
// receivers, session receivers, and background lock renewal. See its package
// documentation for the full tour.
//
//	sender, _ := cli.NewSender("orders")
//	_, err = sender.Send(ctx, api.Message{Body: []byte("hello")})
//
//	recv, _ := cli.NewReceiver("orders")
//	msg, err := recv.Receive(ctx)
//	if msg != nil {
//	    _ = msg.Complete(ctx)
//	}
//
// # Testing
//
// StartTestBroker wires a broker and client into a test, and
// WithTestLoggerTB routes broker diagnostics through testing.TB so failures
// carry the broker's view of events:
//
//	tb := mbus.StartTestBroker(t, mbus.WithTestLoggerTB(t))
//	sender, _ := tb.Client.NewSender("orders")
//
// Tests that need to control lock expiry inject a manual clock with
// WithTestClock and advance it explicitly.
package mbus
