package onedrive

import (
	"testing"
	"time"

	"worker_server/core/domain"
)

func TestSanitizeSegmentStripsHostileCharsAndCollapsesWhitespace(t *testing.T) {
	got := sanitizeSegment("re:  \"Q3   report\"?  <final>/\\|*", 40)
	// Hostile chars (: " ? < > / \ *) are dropped entirely, then the
	// surviving whitespace runs collapse to single spaces.
	want := "re Q3 report final"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestSanitizeSegmentBoundsToMaxLen(t *testing.T) {
	got := sanitizeSegment("abcdefghij", 5)
	if got != "abcde" {
		t.Errorf("expected truncation to 5 runes, got %q", got)
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
	got := folderName(mail)
	want := "20260305_someone@example.com_Hello"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestFolderNameKeepsSanitizedSenderName(t *testing.T) {
	mail := domain.SavedMailData{
		SenderName:       "Jane Doe",
		Subject:          "Quarterly Numbers",
		ReceivedDateTime: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
	}
	got := folderName(mail)
	want := "20260102_Jane Doe_Quarterly Numbers"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestURLEncodePathEscapesEachSegmentIndependently(t *testing.T) {
	got := urlEncodePath("Inbox Archive/2026 Report?.pdf")
	want := "Inbox%20Archive/2026%20Report%3F.pdf"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestURLEncodePathSingleSegment(t *testing.T) {
	if got := urlEncodePath("plainname"); got != "plainname" {
		t.Errorf("expected unchanged single segment, got %q", got)
	}
}
