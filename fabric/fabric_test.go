package fabric

import "testing"

func TestViewStalenessUntilInvalidate(t *testing.T) {
	f := New(64)
	writer := f.NewView()
	reader := f.NewView()

	if _, err := writer.WriteAt([]byte("HELLO"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	// Reader hasn't invalidated yet: it must not observe the writer's flush.
	if err := writer.Flush(0, 5); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	buf := make([]byte, 5)
	reader.ReadAt(buf, 0)
	if string(buf) != "\x00\x00\x00\x00\x00" {
		t.Fatalf("reader observed writer's flush without invalidating: %q", buf)
	}

	// After Invalidate, the reader must observe the flushed content.
	if err := reader.Invalidate(0, 5); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	reader.ReadAt(buf, 0)
	if string(buf) != "HELLO" {
		t.Fatalf("reader.ReadAt after Invalidate = %q, want HELLO", buf)
	}
}

func TestViewOutOfBounds(t *testing.T) {
	f := New(8)
	v := f.NewView()
	if _, err := v.WriteAt([]byte("123456789"), 0); err == nil {
		t.Fatalf("expected out-of-bounds error")
	}
	if err := v.Flush(4, 8); err == nil {
		t.Fatalf("expected out-of-bounds error on Flush")
	}
}

func TestFlushThenFreshViewInvalidateSeesContent(t *testing.T) {
	f := New(16)
	a := f.NewView()
	a.WriteAt([]byte("DATA"), 0)
	a.Flush(0, 4)

	b := f.NewView()
	buf := make([]byte, 4)
	b.ReadAt(buf, 0)
	if string(buf) != "\x00\x00\x00\x00" {
		t.Fatalf("fresh view should start zeroed until it invalidates")
	}
	b.Invalidate(0, 4)
	b.ReadAt(buf, 0)
	if string(buf) != "DATA" {
		t.Fatalf("fresh view after Invalidate = %q, want DATA", buf)
	}
}
