package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLogBuffer_SplitsLinesAndKeepsPartial(t *testing.T) {
	b := NewLogBuffer(3)
	_, _ = b.Write([]byte("one\ntw"))
	lines, _ := b.Snapshot(10)
	if len(lines) != 1 || lines[0] != "one" {
		t.Fatalf("lines=%q", lines)
	}
	_, _ = b.Write([]byte("o\r\n\nthree\nfour\n"))
	lines, dropped := b.Snapshot(10)
	if len(lines) != 3 || lines[0] != "two" || lines[2] != "four" {
		t.Fatalf("lines=%q", lines)
	}
	if dropped != 1 {
		t.Fatalf("dropped=%d want 1", dropped)
	}
	lines, _ = b.Snapshot(1)
	if len(lines) != 1 || lines[0] != "four" {
		t.Fatalf("tail=%q", lines)
	}
}

func TestLogBuffer_Handler(t *testing.T) {
	b := NewLogBuffer(10)
	_, _ = b.Write([]byte("loop started\nweb listening\nloop overrun\n"))
	ts := httptest.NewServer(b.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "?match=loop")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var out LogsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Lines) != 2 || out.Lines[1] != "loop overrun" {
		t.Fatalf("lines=%q", out.Lines)
	}

	resp2, err := http.Get(ts.URL + "?tail=0")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d", resp2.StatusCode)
	}
}
