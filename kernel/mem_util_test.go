package kernel

import (
	"testing"
	"unsafe"
)

func TestMemset(t *testing.T) {
	// memset with a 0 size should be a no-op
	Memset(uintptr(0), 0x00, 0)

	for blockLen := 1; blockLen <= 4096; blockLen <<= 1 {
		buf := make([]byte, blockLen)
		for i := range buf {
			buf[i] = 0xFE
		}

		Memset(uintptr(unsafe.Pointer(&buf[0])), 0x00, uintptr(len(buf)))

		for i, got := range buf {
			if got != 0x00 {
				t.Errorf("[block len %d] expected byte %d to be 0x00; got 0x%x", blockLen, i, got)
			}
		}
	}
}

func TestMemcopy(t *testing.T) {
	// memcopy with a 0 size should be a no-op
	Memcopy(uintptr(0), uintptr(0), 0)

	src := make([]byte, 256)
	for i := range src {
		src[i] = byte(i)
	}
	dst := make([]byte, 256)

	Memcopy(uintptr(unsafe.Pointer(&src[0])), uintptr(unsafe.Pointer(&dst[0])), uintptr(len(src)))

	for i := range src {
		if dst[i] != src[i] {
			t.Errorf("expected dst[%d] to be %d; got %d", i, src[i], dst[i])
		}
	}
}
