package blobstore

import "testing"

func TestValidName(t *testing.T) {
	ok := []string{"report.pdf", "logs/run-1.txt", "a b.txt", "nested/deep/file.json"}
	for _, name := range ok {
		if !ValidName(name) {
			t.Errorf("ValidName(%q) = false, want true", name)
		}
	}
	bad := []string{"", "  ", "../escape.txt", "a/../b", "/abs.txt", `win\path.txt`, "trail..ing"}
	for _, name := range bad {
		if ValidName(name) {
			t.Errorf("ValidName(%q) = true, want false", name)
		}
	}
}

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"report.pdf":     "report.pdf",
		"logs/run 1.txt": "logs/run_1.txt",
		"weird$name!":    "weird_name_",
		"ünïcode.md":     "_n_code.md",
	}
	for in, want := range cases {
		if got := SanitizeName(in); got != want {
			t.Errorf("SanitizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBuildKey(t *testing.T) {
	key := BuildKey("p1", "s1", 3, "out put.json")
	want := "projects/p1/sessions/s1/iter/3/out_put.json"
	if key != want {
		t.Fatalf("BuildKey = %q, want %q", key, want)
	}
}
