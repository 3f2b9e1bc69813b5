package utils

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileOperations_EnsureDir(t *testing.T) {
	fileOps := NewFileOperations()
	path := filepath.Join(t.TempDir(), "Band - LP (2020)", "Disc 1", "01. Song.flac")

	if err := fileOps.EnsureDir(path); err != nil {
		t.Fatalf("EnsureDir failed: %v", err)
	}

	info, err := os.Stat(filepath.Dir(path))
	if err != nil {
		t.Fatalf("Expected parent directory created: %v", err)
	}
	if !info.IsDir() {
		t.Error("Expected a directory")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Expected the file itself not created")
	}

	// Calling again on an existing tree is fine
	if err := fileOps.EnsureDir(path); err != nil {
		t.Errorf("Second EnsureDir failed: %v", err)
	}
}

func TestFileOperations_FileExists(t *testing.T) {
	fileOps := NewFileOperations()
	path := filepath.Join(t.TempDir(), "track.flac")

	if fileOps.FileExists(path) {
		t.Error("Expected missing file reported absent")
	}
	if err := os.WriteFile(path, []byte("audio"), 0644); err != nil {
		t.Fatalf("Failed to create file: %v", err)
	}
	if !fileOps.FileExists(path) {
		t.Error("Expected existing file reported present")
	}
}

func TestFileOperations_FileSize(t *testing.T) {
	fileOps := NewFileOperations()
	path := filepath.Join(t.TempDir(), "track.flac")

	if err := os.WriteFile(path, []byte("12345678901"), 0644); err != nil {
		t.Fatalf("Failed to create file: %v", err)
	}
	size, err := fileOps.FileSize(path)
	if err != nil {
		t.Fatalf("FileSize failed: %v", err)
	}
	if size != 11 {
		t.Errorf("Expected size 11, got %d", size)
	}

	if _, err := fileOps.FileSize(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("Expected an error for a missing file")
	}
}

func TestFileOperations_AtomicRename(t *testing.T) {
	fileOps := NewFileOperations()
	dir := t.TempDir()
	partPath := filepath.Join(dir, "track.flac.part")
	finalPath := filepath.Join(dir, "track.flac")

	if err := os.WriteFile(partPath, []byte("audio"), 0644); err != nil {
		t.Fatalf("Failed to create part file: %v", err)
	}
	if err := fileOps.AtomicRename(partPath, finalPath); err != nil {
		t.Fatalf("AtomicRename failed: %v", err)
	}

	data, err := os.ReadFile(finalPath)
	if err != nil {
		t.Fatalf("Failed to read renamed file: %v", err)
	}
	if string(data) != "audio" {
		t.Errorf("Expected content preserved, got %q", data)
	}
	if _, err := os.Stat(partPath); !os.IsNotExist(err) {
		t.Error("Expected the part file gone after rename")
	}
}

func TestFileOperations_RemovePartial(t *testing.T) {
	fileOps := NewFileOperations()
	partPath := filepath.Join(t.TempDir(), "track.flac.part")

	if err := os.WriteFile(partPath, []byte("partial"), 0644); err != nil {
		t.Fatalf("Failed to create part file: %v", err)
	}
	if err := fileOps.RemovePartial(partPath); err != nil {
		t.Fatalf("RemovePartial failed: %v", err)
	}
	if _, err := os.Stat(partPath); !os.IsNotExist(err) {
		t.Error("Expected the part file removed")
	}

	// A missing part file is not an error
	if err := fileOps.RemovePartial(partPath); err != nil {
		t.Errorf("RemovePartial on a missing file failed: %v", err)
	}
}
