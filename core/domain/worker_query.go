package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// StringList accepts either a bare JSON string or a JSON array of strings —
// the wire shape FilterParams/ExcludeParams fields are documented to take
// (§3: "accept either a single string or a list; lists OR-combine").
type StringList []string

func (s *StringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single == "" {
			*s = nil
			return nil
		}
		*s = StringList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

func (s StringList) MarshalJSON() ([]byte, error) {
	if len(s) == 1 {
		return json.Marshal(s[0])
	}
	return json.Marshal([]string(s))
}

// CombineOperator joins multiple values of the same field: OR (default) or AND.
type CombineOperator string

const (
	CombineOr  CombineOperator = "or"
	CombineAnd CombineOperator = "and"
)

func (c CombineOperator) orDefault() CombineOperator {
	if c == "" {
		return CombineOr
	}
	return c
}

// DateWindow models the "single instant (implicit ge) OR a from/to inclusive
// range" shape described for receivedDateTime/sentDateTime/createdDateTime (§3).
type DateWindow struct {
	At   *time.Time `json:"date_time,omitempty"`
	From *time.Time `json:"date_from,omitempty"`
	To   *time.Time `json:"date_to,omitempty"`
}

func (w *DateWindow) empty() bool {
	return w == nil || (w.At == nil && w.From == nil && w.To == nil)
}

func odataTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func (w *DateWindow) fragments(field string) []string {
	if w.empty() {
		return nil
	}
	var out []string
	if w.At != nil {
		out = append(out, fmt.Sprintf("%s ge %s", field, odataTime(*w.At)))
		return out
	}
	if w.From != nil {
		out = append(out, fmt.Sprintf("%s ge %s", field, odataTime(*w.From)))
	}
	if w.To != nil {
		out = append(out, fmt.Sprintf("%s le %s", field, odataTime(*w.To)))
	}
	return out
}

// FilterParams encodes inclusion predicates (§3, §4.4.1 FilterBuilder).
type FilterParams struct {
	IsRead          *bool           `json:"is_read,omitempty"`
	HasAttachments  *bool           `json:"has_attachments,omitempty"`
	Importance      string          `json:"importance,omitempty"`
	FromAddress     StringList      `json:"from_address,omitempty"`
	SenderAddress   StringList      `json:"sender_address,omitempty"`
	Subject         StringList      `json:"subject,omitempty"`
	SubjectOperator CombineOperator `json:"subject_operator,omitempty"`
	BodyContent         StringList      `json:"body_content,omitempty"`
	BodyContentOperator CombineOperator `json:"body_content_operator,omitempty"`
	BodyPreview         StringList      `json:"body_preview,omitempty"`
	BodyPreviewOperator CombineOperator `json:"body_preview_operator,omitempty"`
	ReceivedDateTime DateWindow `json:"received_date_time,omitempty"`
	SentDateTime     DateWindow `json:"sent_date_time,omitempty"`
	CreatedDateTime  DateWindow `json:"created_date_time,omitempty"`
	Categories       []string   `json:"categories,omitempty"`
	FlagStatus       string     `json:"flag_status,omitempty"`
	ID               string     `json:"id,omitempty"`
	ConversationID   string     `json:"conversation_id,omitempty"`
	ParentFolderID   string     `json:"parent_folder_id,omitempty"`
}

func odataString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func orGroup(tmpl func(string) string, values StringList, op CombineOperator) string {
	if len(values) == 0 {
		return ""
	}
	if len(values) == 1 {
		return tmpl(values[0])
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = tmpl(v)
	}
	joiner := " or "
	if op.orDefault() == CombineAnd {
		joiner = " and "
	}
	return "(" + strings.Join(parts, joiner) + ")"
}

// BuildFilterQuery serializes the FilterParams to an OData $filter fragment.
// Deterministic and idempotent per §8: the same value always yields the same
// string, with tokens emitted in declared field order and AND-joined.
func (f *FilterParams) BuildFilterQuery() string {
	if f == nil {
		return ""
	}
	var tokens []string
	if f.IsRead != nil {
		tokens = append(tokens, fmt.Sprintf("isRead eq %t", *f.IsRead))
	}
	if f.HasAttachments != nil {
		tokens = append(tokens, fmt.Sprintf("hasAttachments eq %t", *f.HasAttachments))
	}
	if f.Importance != "" {
		tokens = append(tokens, fmt.Sprintf("importance eq %s", odataString(f.Importance)))
	}
	if t := orGroup(func(v string) string { return "from/emailAddress/address eq " + odataString(v) }, f.FromAddress, CombineOr); t != "" {
		tokens = append(tokens, t)
	}
	if t := orGroup(func(v string) string { return "sender/emailAddress/address eq " + odataString(v) }, f.SenderAddress, CombineOr); t != "" {
		tokens = append(tokens, t)
	}
	if t := orGroup(func(v string) string { return "contains(subject, " + odataString(v) + ")" }, f.Subject, f.SubjectOperator); t != "" {
		tokens = append(tokens, t)
	}
	if t := orGroup(func(v string) string { return "contains(body/content, " + odataString(v) + ")" }, f.BodyContent, f.BodyContentOperator); t != "" {
		tokens = append(tokens, t)
	}
	if t := orGroup(func(v string) string { return "contains(bodyPreview, " + odataString(v) + ")" }, f.BodyPreview, f.BodyPreviewOperator); t != "" {
		tokens = append(tokens, t)
	}
	tokens = append(tokens, f.ReceivedDateTime.fragments("receivedDateTime")...)
	tokens = append(tokens, f.SentDateTime.fragments("sentDateTime")...)
	tokens = append(tokens, f.CreatedDateTime.fragments("createdDateTime")...)
	for _, c := range f.Categories {
		tokens = append(tokens, fmt.Sprintf("categories/any(c:c eq %s)", odataString(c)))
	}
	if f.FlagStatus != "" {
		tokens = append(tokens, fmt.Sprintf("flag/flagStatus eq %s", odataString(f.FlagStatus)))
	}
	if f.ID != "" {
		tokens = append(tokens, fmt.Sprintf("id eq %s", odataString(f.ID)))
	}
	if f.ConversationID != "" {
		tokens = append(tokens, fmt.Sprintf("conversationId eq %s", odataString(f.ConversationID)))
	}
	if f.ParentFolderID != "" {
		tokens = append(tokens, fmt.Sprintf("parentFolderId eq %s", odataString(f.ParentFolderID)))
	}
	return strings.Join(tokens, " and ")
}

// ExcludeParams encodes exclusion predicates, applied both server-side (ANDed
// as ne/not-contains fragments) and client-side as a post-filter (§4.4.4).
type ExcludeParams struct {
	ExcludeFromAddress   StringList `json:"exclude_from_address,omitempty"`
	ExcludeSenderAddress StringList `json:"exclude_sender_address,omitempty"`
	ExcludeSubject       StringList `json:"exclude_subject,omitempty"`
	ExcludeBodyContent   StringList `json:"exclude_body_content,omitempty"`
	ExcludeBodyPreview   StringList `json:"exclude_body_preview,omitempty"`
	ExcludeImportance    string     `json:"exclude_importance,omitempty"`
	ExcludeSensitivity   string     `json:"exclude_sensitivity,omitempty"`
	ExcludeClassification string    `json:"exclude_classification,omitempty"`
	ExcludeIsRead          *bool   `json:"exclude_is_read,omitempty"`
	ExcludeIsDraft         *bool   `json:"exclude_is_draft,omitempty"`
	ExcludeHasAttachments  *bool   `json:"exclude_has_attachments,omitempty"`
	ExcludeDeliveryReceipt *bool   `json:"exclude_delivery_receipt_requested,omitempty"`
	ExcludeReadReceipt     *bool   `json:"exclude_read_receipt_requested,omitempty"`
	ExcludeCategories      []string `json:"exclude_categories,omitempty"`
	ExcludeID              string   `json:"exclude_id,omitempty"`
}

// BuildFilterFragment serializes the server-expressible subset of exclusions
// (ne / not contains) to an OData fragment for ANDing into $filter.
func (e *ExcludeParams) BuildFilterFragment() string {
	if e == nil {
		return ""
	}
	var tokens []string
	for _, v := range e.ExcludeFromAddress {
		tokens = append(tokens, "from/emailAddress/address ne "+odataString(v))
	}
	for _, v := range e.ExcludeSenderAddress {
		tokens = append(tokens, "sender/emailAddress/address ne "+odataString(v))
	}
	for _, v := range e.ExcludeSubject {
		tokens = append(tokens, "not contains(subject, "+odataString(v)+")")
	}
	for _, v := range e.ExcludeBodyContent {
		tokens = append(tokens, "not contains(body/content, "+odataString(v)+")")
	}
	for _, v := range e.ExcludeBodyPreview {
		tokens = append(tokens, "not contains(bodyPreview, "+odataString(v)+")")
	}
	if e.ExcludeImportance != "" {
		tokens = append(tokens, "importance ne "+odataString(e.ExcludeImportance))
	}
	if e.ExcludeSensitivity != "" {
		tokens = append(tokens, "sensitivity ne "+odataString(e.ExcludeSensitivity))
	}
	if e.ExcludeClassification != "" {
		tokens = append(tokens, "inferenceClassification ne "+odataString(e.ExcludeClassification))
	}
	if e.ExcludeIsRead != nil {
		tokens = append(tokens, fmt.Sprintf("isRead ne %t", *e.ExcludeIsRead))
	}
	if e.ExcludeIsDraft != nil {
		tokens = append(tokens, fmt.Sprintf("isDraft ne %t", *e.ExcludeIsDraft))
	}
	if e.ExcludeHasAttachments != nil {
		tokens = append(tokens, fmt.Sprintf("hasAttachments ne %t", *e.ExcludeHasAttachments))
	}
	if e.ExcludeID != "" {
		tokens = append(tokens, "id ne "+odataString(e.ExcludeID))
	}
	return strings.Join(tokens, " and ")
}

// IsEmpty reports whether no exclusion predicate is set at all.
func (e *ExcludeParams) IsEmpty() bool {
	if e == nil {
		return true
	}
	return len(e.ExcludeFromAddress) == 0 && len(e.ExcludeSenderAddress) == 0 &&
		len(e.ExcludeSubject) == 0 && len(e.ExcludeBodyContent) == 0 && len(e.ExcludeBodyPreview) == 0 &&
		e.ExcludeImportance == "" && e.ExcludeSensitivity == "" && e.ExcludeClassification == "" &&
		e.ExcludeIsRead == nil && e.ExcludeIsDraft == nil && e.ExcludeHasAttachments == nil &&
		e.ExcludeDeliveryReceipt == nil && e.ExcludeReadReceipt == nil &&
		len(e.ExcludeCategories) == 0 && e.ExcludeID == ""
}

// SelectParams is a set of boolean field flags projecting into Graph field
// names (§3, §8 enumerates the full allowed set).
type SelectParams struct {
	ID                         bool `json:"id,omitempty"`
	Subject                    bool `json:"subject,omitempty"`
	Body                       bool `json:"body,omitempty"`
	BodyPreview                bool `json:"body_preview,omitempty"`
	From                       bool `json:"from,omitempty"`
	FromRecipient              bool `json:"from_recipient,omitempty"` // alias for From
	Sender                     bool `json:"sender,omitempty"`
	ToRecipients               bool `json:"to_recipients,omitempty"`
	CcRecipients               bool `json:"cc_recipients,omitempty"`
	BccRecipients              bool `json:"bcc_recipients,omitempty"`
	ReplyTo                    bool `json:"reply_to,omitempty"`
	ReceivedDateTime           bool `json:"received_date_time,omitempty"`
	SentDateTime               bool `json:"sent_date_time,omitempty"`
	CreatedDateTime            bool `json:"created_date_time,omitempty"`
	LastModifiedDateTime       bool `json:"last_modified_date_time,omitempty"`
	HasAttachments             bool `json:"has_attachments,omitempty"`
	Importance                 bool `json:"importance,omitempty"`
	IsRead                     bool `json:"is_read,omitempty"`
	IsDraft                    bool `json:"is_draft,omitempty"`
	ConversationID             bool `json:"conversation_id,omitempty"`
	ParentFolderID             bool `json:"parent_folder_id,omitempty"`
	Categories                 bool `json:"categories,omitempty"`
	Flag                       bool `json:"flag,omitempty"`
	InternetMessageID          bool `json:"internet_message_id,omitempty"`
	InternetMessageHeaders     bool `json:"internet_message_headers,omitempty"`
	UniqueBody                 bool `json:"unique_body,omitempty"`
	WebLink                    bool `json:"web_link,omitempty"`
	InferenceClassification    bool `json:"inference_classification,omitempty"`
	ChangeKey                  bool `json:"change_key,omitempty"`
	ConversationIndex          bool `json:"conversation_index,omitempty"`
	IsDeliveryReceiptRequested bool `json:"is_delivery_receipt_requested,omitempty"`
	IsReadReceiptRequested     bool `json:"is_read_receipt_requested,omitempty"`
}

// selectFieldTable maps snake_case flags to Graph camelCase field names, in
// the fixed order §8 enumerates them.
var selectFieldTable = []struct {
	enabled func(*SelectParams) bool
	graph   string
}{
	{func(s *SelectParams) bool { return s.ID }, "id"},
	{func(s *SelectParams) bool { return s.Subject }, "subject"},
	{func(s *SelectParams) bool { return s.Body }, "body"},
	{func(s *SelectParams) bool { return s.BodyPreview }, "bodyPreview"},
	{func(s *SelectParams) bool { return s.From || s.FromRecipient }, "from"},
	{func(s *SelectParams) bool { return s.Sender }, "sender"},
	{func(s *SelectParams) bool { return s.ToRecipients }, "toRecipients"},
	{func(s *SelectParams) bool { return s.CcRecipients }, "ccRecipients"},
	{func(s *SelectParams) bool { return s.BccRecipients }, "bccRecipients"},
	{func(s *SelectParams) bool { return s.ReplyTo }, "replyTo"},
	{func(s *SelectParams) bool { return s.ReceivedDateTime }, "receivedDateTime"},
	{func(s *SelectParams) bool { return s.SentDateTime }, "sentDateTime"},
	{func(s *SelectParams) bool { return s.CreatedDateTime }, "createdDateTime"},
	{func(s *SelectParams) bool { return s.LastModifiedDateTime }, "lastModifiedDateTime"},
	{func(s *SelectParams) bool { return s.HasAttachments }, "hasAttachments"},
	{func(s *SelectParams) bool { return s.Importance }, "importance"},
	{func(s *SelectParams) bool { return s.IsRead }, "isRead"},
	{func(s *SelectParams) bool { return s.IsDraft }, "isDraft"},
	{func(s *SelectParams) bool { return s.ConversationID }, "conversationId"},
	{func(s *SelectParams) bool { return s.ParentFolderID }, "parentFolderId"},
	{func(s *SelectParams) bool { return s.Categories }, "categories"},
	{func(s *SelectParams) bool { return s.Flag }, "flag"},
	{func(s *SelectParams) bool { return s.InternetMessageID }, "internetMessageId"},
	{func(s *SelectParams) bool { return s.InternetMessageHeaders }, "internetMessageHeaders"},
	{func(s *SelectParams) bool { return s.UniqueBody }, "uniqueBody"},
	{func(s *SelectParams) bool { return s.WebLink }, "webLink"},
	{func(s *SelectParams) bool { return s.InferenceClassification }, "inferenceClassification"},
	{func(s *SelectParams) bool { return s.ChangeKey }, "changeKey"},
	{func(s *SelectParams) bool { return s.ConversationIndex }, "conversationIndex"},
	{func(s *SelectParams) bool { return s.IsDeliveryReceiptRequested }, "isDeliveryReceiptRequested"},
	{func(s *SelectParams) bool { return s.IsReadReceiptRequested }, "isReadReceiptRequested"},
}

// BuildSelectQuery returns the Graph field names selected by s, a subset of
// the fixed table above, in table order (§8).
func (s *SelectParams) BuildSelectQuery() []string {
	if s == nil {
		return nil
	}
	var fields []string
	seen := make(map[string]bool)
	for _, row := range selectFieldTable {
		if row.enabled(s) && !seen[row.graph] {
			fields = append(fields, row.graph)
			seen[row.graph] = true
		}
	}
	return fields
}

// BuildSelectFragment renders "$select=a,b,c", or "" if nothing is selected.
func (s *SelectParams) BuildSelectFragment() string {
	fields := s.BuildSelectQuery()
	if len(fields) == 0 {
		return ""
	}
	return "$select=" + strings.Join(fields, ",")
}

func containsCI(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func eqCI(a, b string) bool {
	return strings.EqualFold(a, b)
}

// Excludes reports whether m matches any exclusion predicate in e — the
// client-side post-filter applied immediately after each page fetch (§4.4.4).
func (e *ExcludeParams) Excludes(m *MailMessage) bool {
	if e.IsEmpty() {
		return false
	}
	for _, v := range e.ExcludeFromAddress {
		if eqCI(m.FromAddress(), v) {
			return true
		}
	}
	for _, v := range e.ExcludeSenderAddress {
		if eqCI(m.SenderAddress(), v) {
			return true
		}
	}
	for _, v := range e.ExcludeSubject {
		if containsCI(m.Subject, v) {
			return true
		}
	}
	for _, v := range e.ExcludeBodyContent {
		if containsCI(m.bodyContent(), v) {
			return true
		}
	}
	for _, v := range e.ExcludeBodyPreview {
		if containsCI(m.BodyPreview, v) {
			return true
		}
	}
	if e.ExcludeImportance != "" && eqCI(m.Importance, e.ExcludeImportance) {
		return true
	}
	if e.ExcludeSensitivity != "" && eqCI(m.Sensitivity, e.ExcludeSensitivity) {
		return true
	}
	if e.ExcludeClassification != "" && eqCI(m.InferenceClass, e.ExcludeClassification) {
		return true
	}
	if e.ExcludeIsRead != nil && m.IsRead == *e.ExcludeIsRead {
		return true
	}
	if e.ExcludeIsDraft != nil && m.IsDraft == *e.ExcludeIsDraft {
		return true
	}
	if e.ExcludeHasAttachments != nil && m.HasAttachments == *e.ExcludeHasAttachments {
		return true
	}
	if e.ExcludeDeliveryReceipt != nil && m.DeliveryReceiptReq == *e.ExcludeDeliveryReceipt {
		return true
	}
	if e.ExcludeReadReceipt != nil && m.ReadReceiptReq == *e.ExcludeReadReceipt {
		return true
	}
	for _, c := range e.ExcludeCategories {
		for _, mc := range m.Categories {
			if eqCI(mc, c) {
				return true
			}
		}
	}
	if e.ExcludeID != "" && m.ID == e.ExcludeID {
		return true
	}
	return false
}
