package pathsafe

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateUploadID(t *testing.T) {
	valid := []string{"abc123", "a-b_c", strings.Repeat("x", 128)}
	for _, id := range valid {
		if err := ValidateUploadID(id); err != nil {
			t.Errorf("expected %q valid, got %v", id, err)
		}
	}

	invalid := []string{"", "../etc", "has space", strings.Repeat("x", 129)}
	for _, id := range invalid {
		if err := ValidateUploadID(id); err == nil {
			t.Errorf("expected %q invalid", id)
		}
	}
}

func TestValidateBundleHash(t *testing.T) {
	ok := strings.Repeat("a", 64)
	if err := ValidateBundleHash(ok); err != nil {
		t.Errorf("expected valid hash, got %v", err)
	}
	bad := []string{"", strings.Repeat("a", 63), strings.Repeat("Z", 64)}
	for _, h := range bad {
		if err := ValidateBundleHash(h); err == nil {
			t.Errorf("expected %q invalid", h)
		}
	}
}

func TestValidatePathComponent_RejectsTraversalAndSeparators(t *testing.T) {
	invalid := []string{"..", "../x", "a/b", "a\\b", "", ".hidden", "foo\x00bar"}
	for _, name := range invalid {
		if err := ValidatePathComponent(name, "field"); err == nil {
			t.Errorf("expected %q to be rejected", name)
		}
	}
}

func TestValidateInRoot(t *testing.T) {
	root := "/data/uploads"
	inside := filepath.Join(root, "session1", "chunks")
	if err := ValidateInRoot(root, inside); err != nil {
		t.Errorf("expected inside path to pass, got %v", err)
	}

	outside := "/etc/passwd"
	if err := ValidateInRoot(root, outside); err == nil {
		t.Error("expected outside path to be rejected")
	}

	traversal := filepath.Join(root, "..", "..", "etc", "passwd")
	if err := ValidateInRoot(root, traversal); err == nil {
		t.Error("expected traversal to be rejected")
	}
}
