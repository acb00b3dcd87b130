package hddo_test

import (
	"context"
	"fmt"
	"log"
	"net/http/httptest"

	"github.com/karasz/hddo"
)

func Example() {
	ctx := context.Background()
	ledger := hddo.NewLedger(hddo.LedgerConfig{}, hddo.NewMemoryStore())
	defer ledger.Close()

	unit, err := hddo.NewDataUnit("thermometer.body_temperature", 36.7, hddo.WithTimestamp(1700000000))
	if err != nil {
		log.Fatal(err)
	}
	rec, _ := hddo.NewRecord(unit)
	_ = rec.AddScript(hddo.ParseScript("3 <SigKey> HD_ADD 10"))
	_ = rec.Close()
	if err := rec.Transmit(ctx, ledger); err != nil {
		log.Fatal(err)
	}
	fmt.Println(rec.State())

	ok, _ := hddo.Challenge(ctx, ledger, rec.CommitmentHash(), 7)
	fmt.Println("key 7 accepted:", ok)

	if err := rec.Delete(ctx, ledger); err != nil {
		log.Fatal(err)
	}
	st, _ := ledger.Stats()
	fmt.Println("records left:", st.Records)
	// Output:
	// transmitted
	// key 7 accepted: true
	// records left: 0
}

func ExampleDataUnit_String() {
	unit, _ := hddo.NewDataUnit("a.b", 36.7, hddo.WithTimestamp(1700000000))
	fmt.Println(unit)
	// Output:
	// RawData obect version 0
	// -  Time : 11/14/2023 22:13:20
	// - Label : a.b
	// - Value : 36.7
}

func ExampleScript_Evaluate() {
	s := hddo.ParseScript("3 <SigKey> HD_ADD 10")
	for _, key := range []int64{6, 7} {
		ok, _ := s.Evaluate(key)
		fmt.Println(key, ok)
	}
	// Output:
	// 6 false
	// 7 true
}

func ExampleHTTPTransport() {
	ctx := context.Background()
	ledger := hddo.NewLedger(hddo.LedgerConfig{}, nil)
	defer ledger.Close()
	srv := httptest.NewServer(hddo.NewServer(ledger, hddo.ServerConfig{}).Handler())
	defer srv.Close()

	unit, _ := hddo.NewDataUnit("a.b", int64(1), hddo.WithTimestamp(1700000000))
	rec, _ := hddo.NewRecord(unit)
	_ = rec.Close()
	if err := rec.Transmit(ctx, hddo.NewHTTPTransport(srv.URL)); err != nil {
		log.Fatal(err)
	}
	published, err := hddo.NewHTTPTransport(srv.URL).Lookup(ctx, rec.DisclosureHash())
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(published.Data.Label(), published.Data.Value())
	// Output:
	// a.b 1
}
