package daemon

import "testing"

func TestMaxSizeMB(t *testing.T) {
	cases := []struct {
		maxKB int
		want  int
	}{
		{0, 0},
		{-5, 0},
		{512, 1},
		{1024, 1},
		{10240, 10},
	}
	for _, c := range cases {
		if got := maxSizeMB(c.maxKB); got != c.want {
			t.Errorf("maxSizeMB(%d) = %d, want %d", c.maxKB, got, c.want)
		}
	}
}

func TestIsChildUnset(t *testing.T) {
	t.Setenv("UDPCAP_DAEMON_CHILD", "")
	if IsChild() {
		t.Fatal("IsChild() = true with env unset")
	}
}

func TestIsChildSet(t *testing.T) {
	t.Setenv("UDPCAP_DAEMON_CHILD", "1")
	if !IsChild() {
		t.Fatal("IsChild() = false with env set to 1")
	}
}
