package utils

import "testing"

func TestCellGetFresh(t *testing.T) {
	var c Cell[int]
	loads := 0
	load := func() (int, error) {
		loads++
		return loads, nil
	}
	generation := 1
	fresh := func(v int) bool { return v == generation }

	for i := 0; i < 3; i++ {
		if v, _ := c.GetFresh(fresh, load); v != 1 {
			t.Fatalf("expected the first load, got %d", v)
		}
	}
	generation = 2
	if v, _ := c.GetFresh(fresh, load); v != 2 {
		t.Errorf("a stale value must be loaded again, got %d", v)
	}
	if v, _ := c.Get(load); v != 2 || loads != 2 {
		t.Errorf("Get must keep the cached value, got %d after %d loads", v, loads)
	}
}
