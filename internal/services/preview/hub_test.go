package preview

import (
	"bytes"
	"testing"
)

func TestHubBroadcastReachesAllViewers(t *testing.T) {
	h := NewHub(testLogger())

	v1 := h.AddViewer("cam-1")
	v2 := h.AddViewer("cam-1")
	other := h.AddViewer("cam-2")

	h.broadcast("cam-1", []byte("chunk"))

	for i, v := range []*Viewer{v1, v2} {
		select {
		case got := <-v.Recv():
			if !bytes.Equal(got, []byte("chunk")) {
				t.Errorf("viewer %d got %q", i, got)
			}
		default:
			t.Errorf("viewer %d received nothing", i)
		}
	}

	select {
	case <-other.Recv():
		t.Error("viewer of another key must not receive the chunk")
	default:
	}
}

func TestHubReadyAfterFirstChunk(t *testing.T) {
	h := NewHub(testLogger())

	if err := h.Prepare("cam-1"); err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	if h.Ready("cam-1") {
		t.Error("fresh session must not report ready")
	}

	h.broadcast("cam-1", []byte{0x47})

	if !h.Ready("cam-1") {
		t.Error("expected ready after first chunk")
	}

	if err := h.Prepare("cam-1"); err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	if h.Ready("cam-1") {
		t.Error("prepare must reset the first-output marker")
	}
}

func TestHubPrunesSlowViewer(t *testing.T) {
	h := NewHub(testLogger())

	slow := h.AddViewer("cam-1")
	fast := h.AddViewer("cam-1")

	// Fill the slow viewer's buffer, then overflow it by one chunk,
	// draining the fast viewer along the way.
	for i := 0; i <= viewerBuffer; i++ {
		h.broadcast("cam-1", []byte{byte(i)})
		<-fast.Recv()
	}

	if got := h.ViewerCount("cam-1"); got != 1 {
		t.Errorf("expected slow viewer pruned, %d viewers left", got)
	}

	// Drain the pruned viewer; its channel must be closed at the end.
	for range slow.Recv() {
	}
}

func TestHubRemoveViewer(t *testing.T) {
	h := NewHub(testLogger())

	v := h.AddViewer("cam-1")
	h.RemoveViewer("cam-1", v)

	if got := h.ViewerCount("cam-1"); got != 0 {
		t.Errorf("expected 0 viewers, got %d", got)
	}

	if _, ok := <-v.Recv(); ok {
		t.Error("expected closed channel after removal")
	}

	// Removing twice is a no-op.
	h.RemoveViewer("cam-1", v)
}

func TestHubCleanupClosesViewers(t *testing.T) {
	h := NewHub(testLogger())

	v1 := h.AddViewer("cam-1")
	v2 := h.AddViewer("cam-1")

	h.Cleanup("cam-1")

	for i, v := range []*Viewer{v1, v2} {
		if _, ok := <-v.Recv(); ok {
			t.Errorf("viewer %d channel still open after cleanup", i)
		}
	}

	if got := h.ViewerCount("cam-1"); got != 0 {
		t.Errorf("expected 0 viewers after cleanup, got %d", got)
	}
}
