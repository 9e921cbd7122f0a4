package dedupe

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"  Add Login Page  ", "add login page"},
		{"add\t\tlogin\npage", "add login page"},
		{"Fix §§ bug #42!", "fix bug 42"},
		{"src/auth/login.go", "src/auth/login.go"},
		{"UPPER_case-mixed.txt", "upper_case-mixed.txt"},
		{"", ""},
		{"!!!", ""},
	}
	for _, c := range cases {
		if got := Normalize(c.in); got != c.want {
			t.Errorf("Normalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestKeyStableAcrossCaseAndWhitespace(t *testing.T) {
	a := Key("spec-1", "Add Login Page", "User can log in")
	b := Key(" SPEC-1 ", "add   login page", "user CAN log in")
	if a != b {
		t.Fatalf("expected identical keys, got %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
}

func TestKeyDistinguishesFields(t *testing.T) {
	// The separator keeps field boundaries: moving text between fields
	// must change the key.
	a := Key("spec", "title extra", "crit")
	b := Key("spec", "title", "extra crit")
	if a == b {
		t.Fatalf("expected different keys for shifted field content")
	}
	if Key("s", "t", "c") == Key("s", "t", "d") {
		t.Fatalf("expected criteria to contribute to the key")
	}
}
