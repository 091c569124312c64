package eventlog

import (
	"path/filepath"
	"testing"
	"time"

	"studiofleet/pkg/events"
)

func TestWriteAndReadEventRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	ev := events.Event{ID: "abc", Name: events.StudioLaunched, Source: "registry", Port: 3002, Timestamp: time.Now()}
	if err := w.WriteEvent(ev); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}

	path := w.GetCurrentLogFile()
	got, err := ReadEvents(path)
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(got) != 1 || got[0].ID != "abc" || got[0].Port != 3002 {
		t.Fatalf("unexpected round trip: %+v", got)
	}
}

func TestListLogFiles(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()
	_ = w.WriteEvent(events.Event{Name: events.StudioStopped})

	files, err := ListLogFiles(dir)
	if err != nil {
		t.Fatalf("ListLogFiles: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 log file, got %d", len(files))
	}
	if filepath.Ext(files[0]) != ".jsonl" {
		t.Fatalf("unexpected extension: %s", files[0])
	}
}

func TestSubscribeDrainsBus(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	bus := events.NewBus(8)
	sub := bus.Subscribe()
	w.Subscribe(sub)

	bus.Publish(events.Event{Name: events.StudioRecovered, Port: 3005})

	deadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := ReadEvents(w.GetCurrentLogFile())
		if len(got) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("subscribed event was never written to the log")
}
