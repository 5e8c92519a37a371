package buffer

import (
	"strings"
	"testing"
)

func TestTakeDelta_ConcatenationIsLossless(t *testing.T) {
	b := New(0)

	chunks := []string{"alpha ", "beta ", "gamma ", "delta"}
	var want, got strings.Builder

	for i, c := range chunks {
		b.Append([]byte(c))
		want.WriteString(c)
		// Read after every other append so deltas cover varying spans.
		if i%2 == 1 {
			got.WriteString(b.TakeDelta())
		}
	}
	got.WriteString(b.TakeDelta())

	if got.String() != want.String() {
		t.Errorf("concatenated deltas = %q, want %q", got.String(), want.String())
	}
}

func TestTakeDelta_EmptyWhenNothingNew(t *testing.T) {
	b := New(0)
	b.Append([]byte("once"))
	if d := b.TakeDelta(); d != "once" {
		t.Fatalf("first delta = %q, want %q", d, "once")
	}
	if d := b.TakeDelta(); d != "" {
		t.Errorf("second delta = %q, want empty", d)
	}
}

func TestAppend_OverflowDropsOldestAndMarks(t *testing.T) {
	b := New(8)
	b.Append([]byte("0123456789ab"))

	d := b.TakeDelta()
	if !strings.HasPrefix(d, TruncationMarker) {
		t.Fatalf("delta %q missing truncation marker", d)
	}
	if got := strings.TrimPrefix(d, TruncationMarker); got != "456789ab" {
		t.Errorf("kept bytes = %q, want %q", got, "456789ab")
	}

	// The marker is delivered once.
	b.Append([]byte("xyz"))
	if d := b.TakeDelta(); d != "xyz" {
		t.Errorf("post-overflow delta = %q, want %q", d, "xyz")
	}
}

func TestWrite_ImplementsWriter(t *testing.T) {
	b := New(0)
	n, err := b.Write([]byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("Write = (%d, %v), want (5, nil)", n, err)
	}
	if b.Len() != 5 {
		t.Errorf("Len = %d, want 5", b.Len())
	}
	if d := b.TakeDelta(); d != "hello" {
		t.Errorf("delta = %q, want %q", d, "hello")
	}
}
