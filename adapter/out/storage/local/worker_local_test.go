package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"worker_server/core/domain"
)

func TestSanitizeSegmentStripsHostileCharactersAndBounds(t *testing.T) {
	got := sanitizeSegment(`re: "Q3 report"?  <final>/\|*`, 10)
	if len(got) > 10 {
		t.Errorf("expected result bounded to 10 runes, got %q (%d runes)", got, len([]rune(got)))
	}
	for _, r := range `<>:"/\|?*` {
		if containsRune(got, r) {
			t.Errorf("expected hostile char %q stripped, got %q", r, got)
		}
	}
}

func TestSanitizeSegmentEmptyFallsBackToUnknown(t *testing.T) {
	if got := sanitizeSegment(`<>:"/\|?*`, 30); got != "unknown" {
		t.Errorf("expected 'unknown' fallback, got %q", got)
	}
}

func TestFolderNameFallsBackToSenderAddress(t *testing.T) {
	mail := domain.SavedMailData{
		SenderName:       `<>:"/\|?*`,
		SenderAddress:    "someone@example.com",
		Subject:          "Hello",
		ReceivedDateTime: time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC),
	}
	name := folderName(mail)
	want := "20260305_someone@example.com_Hello"
	if name != want {
		t.Errorf("expected %q, got %q", want, name)
	}
}

func TestSaveFileCreatesUniqueNamesOnCollision(t *testing.T) {
	root := t.TempDir()
	backend, err := New(root)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	folder, err := backend.CreateFolderFlat(context.Background(), "")
	if err != nil {
		t.Fatalf("CreateFolderFlat failed: %v", err)
	}

	first, err := backend.SaveFile(context.Background(), folder, "report.txt", []byte("one"), "text/plain")
	if err != nil {
		t.Fatalf("SaveFile (first) failed: %v", err)
	}
	second, err := backend.SaveFile(context.Background(), folder, "report.txt", []byte("two"), "text/plain")
	if err != nil {
		t.Fatalf("SaveFile (second) failed: %v", err)
	}

	if first.Name == second.Name {
		t.Errorf("expected distinct filenames on collision, both were %q", first.Name)
	}
	if second.Name != "report_1.txt" {
		t.Errorf("expected collision-suffixed name 'report_1.txt', got %q", second.Name)
	}

	data, err := os.ReadFile(filepath.Join(folder.Path, second.Name))
	if err != nil {
		t.Fatalf("failed reading saved file: %v", err)
	}
	if string(data) != "two" {
		t.Errorf("expected content 'two', got %q", data)
	}
}

func TestCreateFolderUsesDerivedName(t *testing.T) {
	root := t.TempDir()
	backend, err := New(root)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	mail := domain.SavedMailData{
		SenderName:       "Jane Doe",
		Subject:          "Quarterly Numbers",
		ReceivedDateTime: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
	}
	folder, err := backend.CreateFolder(context.Background(), mail)
	if err != nil {
		t.Fatalf("CreateFolder failed: %v", err)
	}
	if filepath.Base(folder.Path) != "20260102_Jane Doe_Quarterly Numbers" {
		t.Errorf("unexpected folder path: %s", folder.Path)
	}
	if info, err := os.Stat(folder.Path); err != nil || !info.IsDir() {
		t.Errorf("expected folder to exist on disk: %v", err)
	}
}

func containsRune(s string, r rune) bool {
	for _, c := range s {
		if c == r {
			return true
		}
	}
	return false
}
