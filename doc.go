// Package hddo implements an anonymous record-commitment protocol.
//
// A record owner wraps a labelled DataUnit in a Record, annotates it while
// it is open, closes it and transmits it to a Ledger. Transmission reserves a
// commitment hash derived from the record content and a secret salt, then
// hands the salt-free SendableRecord over with the reservation token. The
// ledger answers with a public disclosure hash. Later, whoever still holds
// the salt can delete the record; no account or signature is involved.
//
// # Record lifecycle
//
//	unit, _ := hddo.NewDataUnit("thermometer.body_temperature", 36.7)
//	rec, _ := hddo.NewRecord(unit)
//	_ = rec.AddMessage("morning reading")
//	_ = rec.AddScript(hddo.ParseScript("3 <SigKey> HD_ADD 10"))
//	_ = rec.Close()
//	if err := rec.Transmit(ctx, ledger); err != nil { ... }
//	fmt.Println(rec.DisclosureHash())
//	...
//	err := rec.Delete(ctx, ledger)
//
// Annotations can only change while the record is open. Transmit retries
// with a fresh salt when a commitment hash is already taken, up to
// DefaultMaxReserveAttempts times.
//
// # Ledger and transports
//
// A Ledger keeps four tables (reservations, records, nonces and the
// disclosure index) in a Store:
//
//   - NewMemoryStore: in-process maps
//   - OpenFileStore: directory tree with CBOR entries addressed by CID
//   - OpenSQLiteStore: SQLite via modernc.org/sqlite
//   - OpenPostgresStore: PostgreSQL via lib/pq
//
// *Ledger implements Transport directly. Server exposes it over HTTP with
// JSON or protobuf bodies, GRPCServer over gRPC; HTTPTransport,
// ProtoHTTPTransport and GRPCTransport are the matching clients.
//
//	ledger := hddo.NewLedger(hddo.LedgerConfig{Logger: slog.Default()}, store)
//	go ledger.Run(ctx) // reaps expired reservations
//	srv := hddo.NewServer(ledger, hddo.ServerConfig{AdminToken: token})
//	_ = srv.HTTPServer(":8080").ListenAndServe()
//
//	rec.Transmit(ctx, hddo.NewHTTPTransport("http://localhost:8080"))
//
// # Capability scripts
//
// A Script such as "3 <SigKey> HD_ADD 10" is stored with the record and
// handed to anyone through Broadcast. It evaluates to true only for the
// signature-key value that makes the arithmetic work, so it can gate access
// without revealing that value:
//
//	ok, err := hddo.Challenge(ctx, transport, commitment, 7)
package hddo
