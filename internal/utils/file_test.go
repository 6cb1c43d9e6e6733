package utils

import (
	"os"
	"path/filepath"
	"testing"
)

func TestIsImageFile(t *testing.T) {
	cases := map[string]bool{
		"face.JPG":   true,
		"face.jpeg":  true,
		"face.webp":  true,
		"face.png":   true,
		"face.gif":   false,
		"README":     false,
		"frame.heic": false,
	}
	for name, want := range cases {
		if got := IsImageFile(name); got != want {
			t.Errorf("IsImageFile(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestAngleFilename(t *testing.T) {
	got := AngleFilename("out", "abc_", "front", "")
	want := filepath.Join("out", "abc_front.jpg")
	if got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}

func TestSanitizeFilename(t *testing.T) {
	if got := SanitizeFilename(" a/b:c. "); got != "a_b_c" {
		t.Errorf("Expected a_b_c, got %q", got)
	}
}

func TestListImageFiles(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "left")
	if err := EnsureDir(sub); err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{filepath.Join(dir, "a.jpg"), filepath.Join(sub, "b.png"), filepath.Join(dir, "c.txt")} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	files, err := ListImageFiles(dir)
	if err != nil {
		t.Fatalf("ListImageFiles failed: %v", err)
	}
	if len(files) != 2 {
		t.Errorf("Expected 2 image files, got %d: %v", len(files), files)
	}
	if !DirExists(sub) || DirExists(filepath.Join(dir, "a.jpg")) {
		t.Error("DirExists returned wrong result")
	}
}
