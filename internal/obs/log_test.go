package obs

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSetLoggerRestores(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	restore := SetLogger(zap.New(core))

	LogRequest("request_complete", zap.String("path", "/v1/lots"))
	if logs.Len() != 1 {
		t.Fatalf("expected one entry, got %d", logs.Len())
	}
	entry := logs.All()[0]
	if entry.Message != "request_complete" || entry.ContextMap()["path"] != "/v1/lots" {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	restore()
	LogRequest("after restore")
	if logs.Len() != 1 {
		t.Fatalf("restored logger still writes to observer")
	}
}

func TestConfigureRejectsUnknownLevel(t *testing.T) {
	if err := Configure("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
