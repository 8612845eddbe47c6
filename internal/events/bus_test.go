package events

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestBus_DeliversInOrder(t *testing.T) {
	b := NewBus(8)
	defer b.Close()

	ch := b.Subscribe()
	b.Publish(Event{Kind: DocumentCreated, DocumentID: "n-00000001"})
	b.Publish(Event{Kind: LinksChanged, DocumentID: "n-00000001"})
	b.Publish(Event{Kind: BulkRefresh})

	var got []Kind
	var seqs []uint64
	for range 3 {
		ev := recv(t, ch)
		got = append(got, ev.Kind)
		seqs = append(seqs, ev.Seq)
	}
	if diff := cmp.Diff([]Kind{DocumentCreated, LinksChanged, BulkRefresh}, got); diff != "" {
		t.Errorf("kinds mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint64{1, 2, 3}, seqs); diff != "" {
		t.Errorf("seq mismatch (-want +got):\n%s", diff)
	}
}

func TestBus_SlowSubscriberDropped(t *testing.T) {
	b := NewBus(1)
	defer b.Close()

	slow := b.Subscribe()
	fast := b.Subscribe()

	b.Publish(Event{Kind: DocumentUpdated})
	recv(t, fast)
	b.Publish(Event{Kind: DocumentUpdated})
	recv(t, fast)

	if ev := recv(t, slow); ev.Seq != 1 {
		t.Errorf("slow subscriber got seq %d, want 1", ev.Seq)
	}
	if b.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", b.Dropped())
	}
}

func TestBus_UnsubscribeAndCount(t *testing.T) {
	b := NewBus(4)
	defer b.Close()

	ch := b.Subscribe()
	if n := b.SubscriberCount(); n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
	b.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("expected channel closed after unsubscribe")
	}
	if n := b.SubscriberCount(); n != 0 {
		t.Errorf("count = %d, want 0", n)
	}
}

func TestBus_CloseClosesSubscribers(t *testing.T) {
	b := NewBus(4)
	ch := b.Subscribe()
	b.Close()
	if _, ok := <-ch; ok {
		t.Error("expected channel closed")
	}
	// Publishing after close must not block.
	b.Publish(Event{Kind: BulkRefresh})
}

func TestBus_ServeHTTP(t *testing.T) {
	b := NewBus(4)
	defer b.Close()

	srv := httptest.NewServer(b)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}

	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	b.Publish(Event{Kind: DocumentDeleted, Path: "gone.md"})

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() {
		line := sc.Text()
		if line == "" && len(lines) > 0 {
			break
		}
		lines = append(lines, line)
	}
	block := strings.Join(lines, "\n")
	if !strings.Contains(block, "event: documentDeleted") || !strings.Contains(block, `"path":"gone.md"`) {
		t.Errorf("unexpected SSE block:\n%s", block)
	}
}
