package sizing

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func TestCheckWindow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		start, length uint64
		size          uint64
		want          error
	}{
		{"whole", 0, 10, 10, nil},
		{"empty at end", 10, 0, 10, nil},
		{"inner", 2, 3, 10, nil},
		{"past end", 8, 3, 10, ErrOutOfRange},
		{"overflow", math.MaxUint64, 2, 10, ErrOverflow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := CheckWindow(tt.start, tt.length, tt.size); !errors.Is(err, tt.want) {
				t.Fatalf("CheckWindow(%d, %d, %d) = %v, want %v", tt.start, tt.length, tt.size, err, tt.want)
			}
		})
	}
}

func TestClampRange(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		start, end int64
		wantStart  uint64
		wantLength uint64
	}{
		{"plain", 2, 5, 2, 3},
		{"negative end", 0, -2, 0, 8},
		{"negative start", -3, 10, 7, 3},
		{"beyond size", 4, 100, 4, 6},
		{"reversed", 6, 2, 6, 0},
		{"far negative", -100, 3, 0, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, l := ClampRange(10, tt.start, tt.end)
			if s != tt.wantStart || l != tt.wantLength {
				t.Fatalf("ClampRange(10, %d, %d) = (%d, %d), want (%d, %d)",
					tt.start, tt.end, s, l, tt.wantStart, tt.wantLength)
			}
		})
	}
}

func TestReadAllWithLimit(t *testing.T) {
	t.Parallel()

	errTooBig := errors.New("too big")
	data, err := ReadAllWithLimit(bytes.NewReader([]byte("hello")), 5, errTooBig)
	if err != nil {
		t.Fatalf("ReadAllWithLimit: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("data = %q, want %q", data, "hello")
	}
	if _, err := ReadAllWithLimit(bytes.NewReader([]byte("hello!")), 5, errTooBig); !errors.Is(err, errTooBig) {
		t.Fatalf("err = %v, want %v", err, errTooBig)
	}
}

func TestToInt64(t *testing.T) {
	t.Parallel()

	if _, err := ToInt64(math.MaxUint64, ErrOverflow); !errors.Is(err, ErrOverflow) {
		t.Fatalf("err = %v, want ErrOverflow", err)
	}
	if v, err := ToInt64(42, ErrOverflow); err != nil || v != 42 {
		t.Fatalf("ToInt64(42) = %d, %v", v, err)
	}
	if _, ok := AddUint64(math.MaxUint64, 1); ok {
		t.Fatal("AddUint64 overflow not reported")
	}
}
