package handle

import "testing"

func TestPutTake(t *testing.T) {
	t.Parallel()

	tbl := NewTable()
	h := tbl.Put("blob")
	if h == 0 {
		t.Fatal("handle must not be zero")
	}
	if tbl.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", tbl.Len())
	}
	v, ok := tbl.Take(h)
	if !ok || v != "blob" {
		t.Fatalf("Take(%d) = %v, %v", h, v, ok)
	}
	if _, ok := tbl.Take(h); ok {
		t.Fatal("second Take must fail")
	}
	if tbl.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", tbl.Len())
	}
}
