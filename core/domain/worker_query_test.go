package domain

import (
	"strings"
	"testing"
	"time"
)

func boolPtr(b bool) *bool { return &b }

func TestBuildFilterQueryJoinsScalarsWithAnd(t *testing.T) {
	f := &FilterParams{
		IsRead:         boolPtr(true),
		HasAttachments: boolPtr(false),
		Importance:     "high",
	}
	got := f.BuildFilterQuery()
	want := "isRead eq true and hasAttachments eq false and importance eq 'high'"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestBuildFilterQueryEscapesQuotesInStringLiterals(t *testing.T) {
	f := &FilterParams{Importance: "it's urgent"}
	got := f.BuildFilterQuery()
	if !strings.Contains(got, "importance eq 'it''s urgent'") {
		t.Errorf("expected escaped quote in literal, got %q", got)
	}
}

func TestBuildFilterQueryOrGroupsMultipleValuesByDefault(t *testing.T) {
	f := &FilterParams{Subject: StringList{"invoice", "receipt"}}
	got := f.BuildFilterQuery()
	want := "(contains(subject, 'invoice') or contains(subject, 'receipt'))"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestBuildFilterQueryOrGroupHonorsAndOperator(t *testing.T) {
	f := &FilterParams{
		BodyContent:         StringList{"alpha", "beta"},
		BodyContentOperator: CombineAnd,
	}
	got := f.BuildFilterQuery()
	want := "(contains(body/content, 'alpha') and contains(body/content, 'beta'))"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestBuildFilterQuerySingleValueSkipsGrouping(t *testing.T) {
	f := &FilterParams{Subject: StringList{"invoice"}}
	got := f.BuildFilterQuery()
	if got != "contains(subject, 'invoice')" {
		t.Errorf("expected ungrouped single-value fragment, got %q", got)
	}
}

func TestBuildFilterQueryDateWindowInstantUsesGeOnly(t *testing.T) {
	at := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	f := &FilterParams{ReceivedDateTime: DateWindow{At: &at}}
	got := f.BuildFilterQuery()
	want := "receivedDateTime ge 2026-01-01T12:00:00Z"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestBuildFilterQueryDateWindowRangeUsesGeAndLe(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	f := &FilterParams{ReceivedDateTime: DateWindow{From: &from, To: &to}}
	got := f.BuildFilterQuery()
	want := "receivedDateTime ge 2026-01-01T00:00:00Z and receivedDateTime le 2026-01-31T00:00:00Z"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestBuildFilterQueryNilReceiverReturnsEmpty(t *testing.T) {
	var f *FilterParams
	if got := f.BuildFilterQuery(); got != "" {
		t.Errorf("expected empty string for nil FilterParams, got %q", got)
	}
}

func TestBuildFilterQueryFieldOrderIsDeterministic(t *testing.T) {
	f := &FilterParams{
		IsRead:     boolPtr(true),
		Importance: "high",
		ID:         "msg-1",
	}
	first := f.BuildFilterQuery()
	second := f.BuildFilterQuery()
	if first != second {
		t.Fatalf("expected deterministic output, got %q then %q", first, second)
	}
	if strings.Index(first, "isRead") > strings.Index(first, "importance") ||
		strings.Index(first, "importance") > strings.Index(first, "id eq") {
		t.Errorf("expected declared field order, got %q", first)
	}
}

func TestExcludeParamsBuildFilterFragment(t *testing.T) {
	e := &ExcludeParams{
		ExcludeFromAddress: StringList{"spam@example.com"},
		ExcludeIsRead:      boolPtr(true),
	}
	got := e.BuildFilterFragment()
	want := "from/emailAddress/address ne 'spam@example.com' and isRead ne true"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestExcludeParamsBuildFilterFragmentSensitivityAndClassification(t *testing.T) {
	e := &ExcludeParams{ExcludeSensitivity: "private", ExcludeClassification: "other"}
	got := e.BuildFilterFragment()
	want := "sensitivity ne 'private' and inferenceClassification ne 'other'"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestExcludeParamsExcludesMatchesOnSensitivity(t *testing.T) {
	e := &ExcludeParams{ExcludeSensitivity: "Confidential"}
	msg := &MailMessage{Sensitivity: "confidential"}
	if !e.Excludes(msg) {
		t.Error("expected case-insensitive sensitivity match to exclude the message")
	}
}

func TestExcludeParamsExcludesMatchesOnClassification(t *testing.T) {
	e := &ExcludeParams{ExcludeClassification: "Other"}
	msg := &MailMessage{InferenceClass: "other"}
	if !e.Excludes(msg) {
		t.Error("expected case-insensitive classification match to exclude the message")
	}
}

func TestExcludeParamsIsEmpty(t *testing.T) {
	var e ExcludeParams
	if !e.IsEmpty() {
		t.Error("expected zero-value ExcludeParams to be empty")
	}
	e.ExcludeID = "msg-1"
	if e.IsEmpty() {
		t.Error("expected ExcludeParams with a set field to be non-empty")
	}
}

func TestExcludeParamsExcludesMatchesOnSenderAddress(t *testing.T) {
	e := &ExcludeParams{ExcludeSenderAddress: StringList{"spam@example.com"}}
	msg := &MailMessage{Sender: &Recipient{EmailAddress: EmailAddress{Address: "Spam@Example.com"}}}
	if !e.Excludes(msg) {
		t.Error("expected case-insensitive sender address match to exclude the message")
	}
}

func TestExcludeParamsExcludesIsNilSafe(t *testing.T) {
	var e *ExcludeParams
	msg := &MailMessage{}
	if e.Excludes(msg) {
		t.Error("expected nil ExcludeParams to exclude nothing")
	}
}

func TestBuildSelectQueryDeduplicatesAliasedFields(t *testing.T) {
	s := &SelectParams{From: true, FromRecipient: true, Subject: true}
	got := s.BuildSelectQuery()
	want := []string{"subject", "from"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected field %d to be %q, got %q", i, want[i], got[i])
		}
	}
}

func TestBuildSelectFragmentEmptyWhenNothingSelected(t *testing.T) {
	s := &SelectParams{}
	if got := s.BuildSelectFragment(); got != "" {
		t.Errorf("expected empty fragment, got %q", got)
	}
}

func TestBuildSelectFragmentJoinsSelectedFields(t *testing.T) {
	s := &SelectParams{ID: true, Subject: true}
	got := s.BuildSelectFragment()
	if got != "$select=id,subject" {
		t.Errorf("expected '$select=id,subject', got %q", got)
	}
}
