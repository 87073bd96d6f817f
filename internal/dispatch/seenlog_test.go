package dispatch

import "testing"

func TestSeenLog_RecordAndForRule(t *testing.T) {
	log, err := OpenSeenLog()
	if err != nil {
		t.Fatalf("OpenSeenLog: %v", err)
	}
	defer log.Close()

	log.Record(Entry{
		RuleID:     "rule-1",
		Method:     "GET",
		URL:        "http://example.com/a",
		StatusCode: 200,
	})
	log.Record(Entry{
		RuleID:     "rule-1",
		Method:     "GET",
		URL:        "http://example.com/b",
		StatusCode: 200,
	})
	log.Record(Entry{
		RuleID:     "rule-2",
		Method:     "POST",
		URL:        "http://example.com/c",
		StatusCode: 201,
	})

	entries, err := log.ForRule("rule-1")
	if err != nil {
		t.Fatalf("ForRule: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries for rule-1, got %d", len(entries))
	}
	if entries[0].URL != "http://example.com/a" || entries[1].URL != "http://example.com/b" {
		t.Errorf("expected entries in insertion order, got %+v", entries)
	}

	other, err := log.ForRule("rule-2")
	if err != nil {
		t.Fatalf("ForRule: %v", err)
	}
	if len(other) != 1 || other[0].StatusCode != 201 {
		t.Errorf("expected 1 entry for rule-2, got %+v", other)
	}
}

func TestSeenLog_Reset(t *testing.T) {
	log, err := OpenSeenLog()
	if err != nil {
		t.Fatalf("OpenSeenLog: %v", err)
	}
	defer log.Close()

	log.Record(Entry{RuleID: "rule-1", Method: "GET", URL: "http://example.com/a", StatusCode: 200})
	if err := log.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	entries, err := log.ForRule("rule-1")
	if err != nil {
		t.Fatalf("ForRule: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no entries after reset, got %d", len(entries))
	}
}
