package validation

import "testing"

func TestValidate_CollectsFailures(t *testing.T) {
	errs := Validate(
		Required("marketer_id", ""),
		ValidAmount("amount", "-5"),
		ValidSection("section", "pricing"),
	)
	if len(errs) != 2 {
		t.Fatalf("expected 2 errors, got %d: %v", len(errs), errs)
	}
	if errs[0].Field != "marketer_id" || errs[1].Field != "amount" {
		t.Errorf("unexpected fields: %v", errs)
	}
}

func TestPercentagesSumTo100(t *testing.T) {
	if err := PercentagesSumTo100("percentages", []float64{40, 35, 25})(); err != nil {
		t.Errorf("40/35/25 should validate, got %v", err)
	}
	if err := PercentagesSumTo100("percentages", []float64{40, 35, 26})(); err == nil {
		t.Error("40/35/26 sums to 101, expected failure")
	}
	// Within tolerance
	if err := PercentagesSumTo100("percentages", []float64{33.33, 33.33, 33.34})(); err != nil {
		t.Errorf("33.33/33.33/33.34 should validate, got %v", err)
	}
	if err := PercentagesSumTo100("percentages", nil)(); err == nil {
		t.Error("empty percentages should fail")
	}
	if err := PercentagesSumTo100("percentages", []float64{100, -0})(); err == nil {
		t.Error("non-positive percentage should fail")
	}
}

func TestIsValidSection(t *testing.T) {
	for _, s := range Sections {
		if !IsValidSection(s) {
			t.Errorf("%s should be valid", s)
		}
	}
	if IsValidSection("payment_info") {
		t.Error("payment_info is not an editable section")
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  hi\x00there  ", 100); got != "hithere" {
		t.Errorf("got %q", got)
	}
	if got := SanitizeString("abcdef", 3); got != "abc" {
		t.Errorf("got %q", got)
	}
}
