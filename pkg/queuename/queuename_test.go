package queuename

import "testing"

func TestActionStreamDeterministic(t *testing.T) {
	a := ActionStream("nooble4", "dev", "query", "")
	b := ActionStream("nooble4", "dev", "query", "")
	if a != b {
		t.Fatalf("expected deterministic output, got %q and %q", a, b)
	}
	want := "nooble4:dev:query:actions:stream"
	if a != want {
		t.Fatalf("got %q, want %q", a, want)
	}
}

func TestActionStreamWithRoutingContext(t *testing.T) {
	got := ActionStream("nooble4", "dev", "query", "tenant-42")
	want := "nooble4:dev:query:tenant-42:actions:stream"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestActionStreamDefaultsEnvironment(t *testing.T) {
	got := ActionStream("nooble4", "", "query", "")
	want := "nooble4:dev:query:actions:stream"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestResponseQueueIncludesCorrelationID(t *testing.T) {
	got := ResponseQueue("nooble4", "dev", "gateway", "", "rag.search", "corr-1")
	want := "nooble4:dev:gateway:responses:rag.search:corr-1"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	other := ResponseQueue("nooble4", "dev", "gateway", "", "rag.search", "corr-2")
	if got == other {
		t.Fatalf("expected distinct response queues per correlation_id")
	}
}

func TestCallbackQueueStableAcrossCalls(t *testing.T) {
	first := CallbackQueue("nooble4", "dev", "ingestion", "", "embedding.done")
	second := CallbackQueue("nooble4", "dev", "ingestion", "", "embedding.done")
	if first != second {
		t.Fatalf("callback queue name must be stable per event, got %q then %q", first, second)
	}
	want := "nooble4:dev:ingestion:callbacks:embedding.done"
	if first != want {
		t.Fatalf("got %q, want %q", first, want)
	}
}

func TestNotificationChannel(t *testing.T) {
	got := NotificationChannel("nooble4", "prod", "query", "tenant-7", "session.closed")
	want := "nooble4:prod:query:tenant-7:notifications:session.closed"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestDeadLetterStream(t *testing.T) {
	got := DeadLetterStream("nooble4:dev:query:actions:stream")
	want := "nooble4:dev:query:actions:stream:dead"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestTargetService(t *testing.T) {
	svc, err := TargetService("query.rag.search")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if svc != "query" {
		t.Fatalf("got %q, want %q", svc, "query")
	}

	if _, err := TargetService("malformed"); err == nil {
		t.Fatalf("expected error for malformed action_type")
	}
	if _, err := TargetService(".verb"); err == nil {
		t.Fatalf("expected error for empty target service")
	}
}
