package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func TestFileSinkAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	recs := []Record{
		{Seq: 1, Time: time.Unix(100, 0).UTC(), Verdict: "allow", Category: "read_state", Method: "GetAll"},
		{Seq: 2, Time: time.Unix(101, 0).UTC(), Verdict: "forbidden", Category: "shutdown", Method: "PowerOff"},
	}
	for _, rec := range recs {
		if err := sink.Write(rec); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var got []Record
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		got = append(got, rec)
	}
	if len(got) != 2 || got[0].Seq != 1 || got[1].Category != "shutdown" {
		t.Fatalf("unexpected file contents: %+v", got)
	}
}

func TestRedisSinkAppendsToStream(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	defer srv.Close()

	sink, err := NewRedisSink("redis://"+srv.Addr(), "buskeeper:audit")
	if err != nil {
		t.Fatalf("create sink: %v", err)
	}
	defer sink.Close()

	if err := sink.Write(Record{Seq: 7, Verdict: "deny", Category: "notify"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	entries, err := sink.client.XRange(ctx, "buskeeper:audit", "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 stream entry, got %d", len(entries))
	}
	var rec Record
	if err := json.Unmarshal([]byte(entries[0].Values["record"].(string)), &rec); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if rec.Seq != 7 || rec.Verdict != "deny" {
		t.Fatalf("unexpected entry: %+v", rec)
	}
}

func TestMultiSinkWritesAll(t *testing.T) {
	a := &memSink{}
	b := &memSink{fail: true}
	m := MultiSink{a, b}
	if err := m.Write(Record{Seq: 1}); err == nil {
		t.Fatalf("expected error from failing sink")
	}
	if len(a.all()) != 1 {
		t.Fatalf("healthy sink should still receive the record")
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
