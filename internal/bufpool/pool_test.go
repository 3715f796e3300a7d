package bufpool

import "testing"

func TestPool_GetPut(t *testing.T) {
	pool := New(4096)

	buf := pool.Get()
	if len(buf) != 4096 {
		t.Errorf("Get returned buffer of length %d, want 4096", len(buf))
	}
	pool.Put(buf)

	buf = pool.Get()
	if len(buf) != 4096 {
		t.Errorf("reused buffer has length %d, want 4096", len(buf))
	}

	if pool.BufSize() != 4096 {
		t.Errorf("BufSize = %d, want 4096", pool.BufSize())
	}
}

func TestPool_DiscardsUndersized(t *testing.T) {
	pool := New(4096)

	pool.Put(make([]byte, 16))

	if buf := pool.Get(); len(buf) != 4096 {
		t.Errorf("Get after undersized Put returned length %d, want 4096", len(buf))
	}
}

func TestPool_PanicsOnNonPositiveSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("New(%d) did not panic", size)
				}
			}()
			New(size)
		}()
	}
}
