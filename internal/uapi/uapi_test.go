package uapi

import (
	"testing"
)

func TestAddressArithmetic(t *testing.T) {
	base := Address{Hi: 0xffff, Lo: 0xf0000000}

	tests := []struct {
		name   string
		addr   Address
		offset uint64
		ok     bool
	}{
		{"same address", base, 0, true},
		{"within lo word", Address{Hi: 0xffff, Lo: 0xf0000010}, 0x10, true},
		{"below base", Address{Hi: 0xffff, Lo: 0x00000010}, 0, false},
		{"across hi word", Address{Hi: 0xffff, Lo: 0xffffffff}, 0x0fffffff, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.addr.Sub(base)
			if ok != tt.ok {
				t.Fatalf("Sub() ok = %v, want %v", ok, tt.ok)
			}
			if got != tt.offset {
				t.Errorf("Sub() = %#x, want %#x", got, tt.offset)
			}
		})
	}
}

func TestAddressRoundTrip(t *testing.T) {
	a := Address{Hi: 0x1234, Lo: 0x89abcdef}
	if got := AddressFromUint64(a.Uint64()); got != a {
		t.Errorf("AddressFromUint64(Uint64()) = %v, want %v", got, a)
	}

	// Add wraps inside the 48-bit space
	top := AddressFromUint64(ADDRESS_MASK)
	if got := top.Add(1); got.Uint64() != 0 {
		t.Errorf("Add past the top = %v, want 0000.00000000", got)
	}

	if s := a.String(); s != "1234.89abcdef" {
		t.Errorf("String() = %q", s)
	}
}

func TestArgLayouts(t *testing.T) {
	addr := Address{Hi: 0xffff, Lo: 0xf0000400}

	w := WriteArgs(7, 64, 128, 0xffc1, SPEED_400, addr, true)
	if w.Count != WRITE_ARG_COUNT {
		t.Errorf("write Count = %d, want %d", w.Count, WRITE_ARG_COUNT)
	}
	want := []uint32{7, 64, 128, 0xffc1, SPEED_400, 0xffff, 0xf0000400, 1}
	for i, v := range want {
		if w.Words[i] != v {
			t.Errorf("write word %d = %#x, want %#x", i, w.Words[i], v)
		}
	}

	s := SkippedArgs(9, 3, 40)
	if len(s.Slice()) != SKIPPED_ARG_COUNT {
		t.Errorf("skipped Slice() len = %d, want %d", len(s.Slice()), SKIPPED_ARG_COUNT)
	}
	if s.Words[ARG_SKIP_COUNT] != 3 || s.Words[ARG_OFFSET] != 40 {
		t.Errorf("skipped words = %v", s.Words)
	}

	r := ReadArgs(11, 4, 0x400, 0xffc2, SPEED_200, addr)
	if r.Count != READ_ARG_COUNT {
		t.Errorf("read Count = %d, want %d", r.Count, READ_ARG_COUNT)
	}
	if r.Words[ARG_LOCK_WRITE] != 0 {
		t.Error("read notification must not carry a lock word")
	}
	if r.CommandID() != 11 {
		t.Errorf("CommandID() = %d, want 11", r.CommandID())
	}
}

func TestMarshalUnmarshal(t *testing.T) {
	original := WriteArgs(0xdeadbeef, 2048, 512, 0xffc0, SPEED_800, Address{Hi: 1, Lo: 2}, false)

	data := MarshalArgs(NOTIFY_WRITE, &original)
	if len(data) != ArgsWireSize {
		t.Fatalf("MarshalArgs() len = %d, want %d", len(data), ArgsWireSize)
	}

	kind, decoded, err := UnmarshalArgs(data)
	if err != nil {
		t.Fatalf("UnmarshalArgs() failed: %v", err)
	}
	if kind != NOTIFY_WRITE {
		t.Errorf("kind = %d, want %d", kind, NOTIFY_WRITE)
	}
	if decoded != original {
		t.Errorf("decoded = %+v, want %+v", decoded, original)
	}
}

func TestUnmarshalErrors(t *testing.T) {
	if _, _, err := UnmarshalArgs(make([]byte, ArgsWireSize-1)); err == nil {
		t.Error("expected error for short buffer")
	}

	bad := make([]byte, ArgsWireSize)
	bad[0] = 9
	if _, _, err := UnmarshalArgs(bad); err == nil {
		t.Error("expected error for unknown kind")
	}

	bad[0] = NOTIFY_READ
	bad[1] = MAX_ARG_WORDS + 1
	if _, _, err := UnmarshalArgs(bad); err == nil {
		t.Error("expected error for oversized count")
	}
}
