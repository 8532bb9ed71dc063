package profile

import "testing"

func TestValidateName(t *testing.T) {
	valid := []string{"default", "work", "a", "my-profile_2"}
	for _, name := range valid {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) error = %v", name, err)
		}
	}

	invalid := []string{"", "Work", "has space", "slash/name", "dots.too", string(make([]byte, 65))}
	for _, name := range invalid {
		if err := ValidateName(name); err == nil {
			t.Errorf("ValidateName(%q) should fail", name)
		}
	}
}

func TestResolveFlagWins(t *testing.T) {
	if got := Resolve("work"); got != "work" {
		t.Errorf("Resolve(work) = %q, want work", got)
	}
}

func TestPathsShareProfileDir(t *testing.T) {
	dir := Dir("p1")
	for _, path := range []string{DBPath("p1"), LockPath("p1"), LogPath("p1")} {
		if len(path) <= len(dir) || path[:len(dir)] != dir {
			t.Errorf("path %q not under profile dir %q", path, dir)
		}
	}
}
