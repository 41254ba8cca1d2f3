package layout

import (
	"strings"
	"testing"
)

const validUploadID = "upload-abc123"
const validHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

func TestSessionDir(t *testing.T) {
	dir, err := SessionDir("/data/uploads", validUploadID)
	if err != nil {
		t.Fatalf("SessionDir: %v", err)
	}
	if !strings.HasSuffix(dir, validUploadID) {
		t.Errorf("expected dir to end with upload id, got %q", dir)
	}
}

func TestSessionDir_RejectsBadID(t *testing.T) {
	if _, err := SessionDir("/data/uploads", "../escape"); err == nil {
		t.Fatal("expected traversal upload id to be rejected")
	}
}

func TestChunkPath(t *testing.T) {
	p, err := ChunkPath("/data/uploads", validUploadID, 7)
	if err != nil {
		t.Fatalf("ChunkPath: %v", err)
	}
	if !strings.HasSuffix(p, "chunks/000007.chunk") {
		t.Errorf("unexpected chunk path %q", p)
	}
}

func TestStagingBundlePath_RejectsBadHash(t *testing.T) {
	if _, err := StagingBundlePath("/data/uploads", validUploadID, "not-a-hash"); err == nil {
		t.Fatal("expected invalid hash to be rejected")
	}
}

func TestBundlePath(t *testing.T) {
	p, err := BundlePath("/data/uploads", validHash)
	if err != nil {
		t.Fatalf("BundlePath: %v", err)
	}
	if !strings.HasSuffix(p, validHash+".bundle") {
		t.Errorf("unexpected bundle path %q", p)
	}
}
