// Package replication copies the whole task list from one instance to
// another over a peer transport.
//
// Overview
//
// Every instance runs one Session. Once started, the session obtains an
// identity from the transport and waits passively as a host. A second
// instance that knows the host's identity calls Import; the host streams
// every record it has, one message per record, and closes the channel.
// The guest clears its own store before the first record arrives and
// writes each received record verbatim, ids included. There is no merge:
// after a successful import the guest holds exactly the host's records.
//
// Phases
//
//	idle ──Start──► waiting_for_id ──identity──► ready
//	                      │                      │  ▲
//	                      ▼                      │  │ done / connect failed
//	                    failed ◄──channel error──┤  │
//	                                             ▼  │
//	                                  exporting | importing
//
// Failed is terminal. Close the session and build a new one.
//
// Protocol
//
// There are no acknowledgements. The host relies on the transport's
// ordered delivery and on a flushed close: after the last record it
// closes the channel with flush, and the guest treats a normal close as
// the end of the stream. Any other termination is a channel error and
// leaves whatever was imported so far in the store.
//
// Usage
//
//	s := replication.New(st, tr, replication.WithObserver(func(ev replication.Event) {
//	    log.Printf("%s %s", ev.Kind, ev.Phase)
//	}))
//	defer s.Close()
//
//	if err := s.Start(ctx); err != nil {
//	    return err
//	}
//	fmt.Println("Host ID:", s.LocalIdentity())
//
//	// on the other instance
//	n, err := s.Import(ctx, hostID)
package replication
