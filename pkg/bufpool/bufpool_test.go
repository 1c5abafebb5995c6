package bufpool

import "testing"

func TestGetReturnsBufferOfDefaultSize(t *testing.T) {
	b := Get()
	if len(b) != defaultBufSize {
		t.Fatalf("got len %d, want %d", len(b), defaultBufSize)
	}
}

func TestPutThenGetReusesBuffer(t *testing.T) {
	b := Get()
	b[0] = 0xAB
	Put(b)

	b2 := Get()
	if len(b2) != defaultBufSize {
		t.Fatalf("got len %d, want %d", len(b2), defaultBufSize)
	}
}

func TestPutDropsUndersizedBuffer(t *testing.T) {
	// Should not panic even though this buffer is too small to pool.
	Put(make([]byte, 16))
}
