package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewLoggerWithService(t *testing.T) {
	l := NewLoggerWithService("svc-a")
	var buf bytes.Buffer
	l.SetOutput(&buf)
	l.SetLevel(logrus.InfoLevel)

	l.WithField("k", "v").Info("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("parse log line: %v", err)
	}
	if entry["service"] != "svc-a" {
		t.Fatalf("expected service field svc-a, got %v", entry["service"])
	}
	if entry["k"] != "v" || entry["msg"] != "hello" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}
