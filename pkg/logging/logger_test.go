package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoggerWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer logger.Close()

	if err := logger.Info(CategoryRelay, "message_relayed", "relayed", map[string]any{
		"room": "room-1",
	}); err != nil {
		t.Fatalf("Info: %v", err)
	}
	if err := logger.Error(CategoryAssistant, "completion_failed", "boom", nil); err != nil {
		t.Fatalf("Error: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "server.jsonl"))
	if err != nil {
		t.Fatalf("read server log: %v", err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	var events []Event
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("unmarshal line: %v", err)
		}
		events = append(events, ev)
	}

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Category != CategoryRelay || events[0].EventType != "message_relayed" {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if events[0].Timestamp.IsZero() {
		t.Error("timestamp should be stamped automatically")
	}

	errData, err := os.ReadFile(filepath.Join(dir, "errors.jsonl"))
	if err != nil {
		t.Fatalf("read error log: %v", err)
	}
	if !strings.Contains(string(errData), "completion_failed") {
		t.Error("error events should be mirrored into errors.jsonl")
	}
	if strings.Contains(string(errData), "message_relayed") {
		t.Error("info events should not reach errors.jsonl")
	}
}

func TestLoggerMinLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf)

	if err := logger.Debug(CategoryGateway, "handshake_start", "", nil); err != nil {
		t.Fatalf("Debug: %v", err)
	}
	if buf.Len() != 0 {
		t.Error("debug events below min level should be dropped")
	}

	logger.SetMinLevel(LevelDebug)
	if err := logger.Debug(CategoryGateway, "handshake_start", "", nil); err != nil {
		t.Fatalf("Debug: %v", err)
	}
	if buf.Len() == 0 {
		t.Error("debug events should be written once min level allows them")
	}
}
