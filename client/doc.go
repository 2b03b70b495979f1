// Package client provides the Go SDK for an mbus message broker. It wraps a
// Transport with type-safe senders, receivers, session receivers, and
// background lock renewal.
//
// Copyright (C) 2025 Michel Blomgren <https://pkt.systems>
//
// # Quick start
//
// Construct a client over any Transport. The root mbus package provides an
// in-process broker whose Transport method plugs in directly:
//
//	ctx := context.Background()
//	broker, err := mbus.NewBroker(mbus.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	cli, err := client.New(broker.Transport())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	sender, err := cli.NewSender("orders")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if _, err := sender.Send(ctx, api.Message{Body: []byte(`{"op":"ship"}`)}); err != nil {
//	    log.Fatal(err)
//	}
//
// Receivers deliver one locked message at a time. Settle each delivery with
// exactly one of Complete, Abandon, Defer, or DeadLetter before its lock
// expires:
//
//	recv, err := cli.NewReceiver("orders")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer recv.Close()
//
//	msg, err := recv.Receive(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	// ...do work...
//	if err := msg.Complete(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Automatic lock renewal
//
// Message processing that outlives the lock duration uses a LockRenewer. A
// receiver built with WithAutoLockRenewer registers every delivery; the
// renewer keeps each lock alive on a background goroutine until the message
// settles or the registration's renewal budget elapses:
//
//	renewer := cli.NewLockRenewer()
//	defer renewer.Close()
//
//	recv, err := cli.NewReceiver("orders",
//	    client.WithAutoLockRenewer(renewer),
//	    client.WithMaxRenewalDuration(10*time.Minute))
//
// Renewal failures never interrupt application code. They are recorded on
// the lease and surface as *LockExpiredError from the next settlement call,
// with the background error attached as the cause. Register an optional
// RenewalFailureHandler for out-of-band notification. Budget exhaustion
// stops renewal quietly: the lock then lapses on the broker unless the
// application settles first.
//
// Leases can also be registered by hand, including the session lock held by
// a SessionReceiver:
//
//	reg, err := renewer.Register(msg, 10*time.Minute)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer reg.Stop()
//
// # Sessions
//
// Session-aware queues deliver messages sharing a session ID to a single
// holder. AcceptSession locks one named session; AcceptNextSession picks any
// session with deliverable messages. The SessionReceiver holds the session
// lock, receives only that session's messages, and exposes durable session
// state via GetState and SetState:
//
//	sess, err := cli.AcceptSession(ctx, "orders", "customer-42",
//	    client.WithAutoLockRenewer(renewer))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sess.Close()
//
// # Correlation IDs and logging
//
// Use WithCorrelationID or GenerateCorrelationID to tag a context; client
// log lines then carry the identifier so broker- and client-side traces can
// be tied together. Register a pslog.Base logger via client.WithLogger to
// capture structured traces emitted by the SDK.
package client
