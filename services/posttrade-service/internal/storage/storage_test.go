package storage

import "testing"

func TestLimit(t *testing.T) {
	for in, want := range map[int]int{0: DefaultLimit, -3: DefaultLimit, 1: 1, 500: 500} {
		if got := Limit(in); got != want {
			t.Fatalf("Limit(%d) = %d, want %d", in, got, want)
		}
	}
}
