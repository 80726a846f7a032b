package validation

import "testing"

func TestIsValidPhone(t *testing.T) {
	valid := []string{"13800138000", "19912345678"}
	invalid := []string{"", "12345", "23800138000", "138001380001", "1380013800a"}

	for _, p := range valid {
		if !IsValidPhone(p) {
			t.Errorf("IsValidPhone(%q) = false, want true", p)
		}
	}
	for _, p := range invalid {
		if IsValidPhone(p) {
			t.Errorf("IsValidPhone(%q) = true, want false", p)
		}
	}
}

func TestIsValidOrderNo(t *testing.T) {
	if !IsValidOrderNo("ORD20250901120000ABC123") {
		t.Error("expected valid order no")
	}
	if IsValidOrderNo("ORD123") {
		t.Error("expected invalid order no")
	}
}

func TestSanitizeNote(t *testing.T) {
	if got := SanitizeNote("  hello\x00world  "); got != "helloworld" {
		t.Errorf("SanitizeNote = %q", got)
	}

	long := make([]byte, MaxNoteLength+100)
	for i := range long {
		long[i] = 'a'
	}
	if got := SanitizeNote(string(long)); len(got) != MaxNoteLength {
		t.Errorf("len = %d, want %d", len(got), MaxNoteLength)
	}
}
