package money

import "testing"

func TestParse(t *testing.T) {
	cases := []struct {
		in    string
		cents int64
		ok    bool
	}{
		{"", 0, true},
		{"0", 0, true},
		{"100", 10000, true},
		{"100.5", 10050, true},
		{"100.50", 10050, true},
		{"0.01", 1, true},
		{"3.001", 300, true}, // sub-cent precision truncated
		{"-5", 0, false},
		{"1.2.3", 0, false},
		{"abc", 0, false},
	}
	for _, c := range cases {
		got, ok := Parse(c.in)
		if ok != c.ok || got != c.cents {
			t.Errorf("Parse(%q) = (%d, %v), want (%d, %v)", c.in, got, ok, c.cents, c.ok)
		}
	}
}

func TestFormat(t *testing.T) {
	if got := Format(10050); got != "100.50" {
		t.Errorf("Format(10050) = %q, want 100.50", got)
	}
	if got := Format(1); got != "0.01" {
		t.Errorf("Format(1) = %q, want 0.01", got)
	}
	if got := Format(0); got != "0.00" {
		t.Errorf("Format(0) = %q, want 0.00", got)
	}
	if got := Format(-250); got != "-2.50" {
		t.Errorf("Format(-250) = %q, want -2.50", got)
	}
}

func TestSplitEqual(t *testing.T) {
	parts := SplitEqual(30000, 3)
	want := []int64{10000, 10000, 10000}
	for i := range want {
		if parts[i] != want[i] {
			t.Fatalf("SplitEqual(30000, 3) = %v, want %v", parts, want)
		}
	}

	// Remainder lands on the last part.
	parts = SplitEqual(30100, 3)
	want = []int64{10033, 10033, 10034}
	for i := range want {
		if parts[i] != want[i] {
			t.Fatalf("SplitEqual(30100, 3) = %v, want %v", parts, want)
		}
	}
}

func TestSplitWeighted_SumsExactly(t *testing.T) {
	weights := []float64{1, 0.75, 0.5625}
	parts := SplitWeighted(99999, weights)
	var sum int64
	for _, p := range parts {
		sum += p
	}
	if sum != 99999 {
		t.Errorf("SplitWeighted parts sum to %d, want 99999", sum)
	}
	if parts[0] <= parts[1] || parts[1] <= parts[2] {
		t.Errorf("expected decreasing parts, got %v", parts)
	}
}
