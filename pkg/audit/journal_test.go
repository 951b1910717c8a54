package audit_test

import (
	"context"
	"testing"

	"github.com/pulsario/pulsar/pkg/audit"
)

func TestNopJournalDiscardsRecords(t *testing.T) {
	j := audit.NopJournal{}
	if err := j.Record(context.Background(), audit.Record{AID: "actor-1", Kind: audit.KindHandshake}); err != nil {
		t.Fatalf("NopJournal.Record: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("NopJournal.Close: %v", err)
	}
}

func TestOpenRejectsUnrecognizedScheme(t *testing.T) {
	_, err := audit.Open(context.Background(), "mysql://localhost/db")
	if err == nil {
		t.Fatal("expected an error for an unrecognized DSN scheme")
	}
}

func TestOpenSQLiteJournalRecordsAndCloses(t *testing.T) {
	j, err := audit.Open(context.Background(), "sqlite://file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()

	rec := audit.Record{AID: "actor-1", Kind: audit.KindHandshake, Info: map[string]interface{}{"name": "worker"}}
	if err := j.Record(context.Background(), rec); err != nil {
		t.Fatalf("Record: %v", err)
	}
}
