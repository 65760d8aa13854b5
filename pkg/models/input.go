package models

// InputRequestKind discriminates InputRequest's tagged-union variants.
type InputRequestKind string

const (
	InputKindQuestions  InputRequestKind = "questions"
	InputKindPermission InputRequestKind = "permission"
	InputKindFreeText   InputRequestKind = "free_text"
	InputKindSimple     InputRequestKind = "simple"
)

// QuestionOption is one selectable choice offered to the user.
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Question is one entry in a Questions-kind InputRequest.
type Question struct {
	Question    string           `json:"question"`
	Header      string           `json:"header,omitempty"`
	MultiSelect bool             `json:"multi_select,omitempty"`
	Options     []QuestionOption `json:"options,omitempty"`
}

// InputRequest is what the core hands to the external InputChannel when it
// needs to surface a question, a permission Ask, or free text back to the
// operator.
type InputRequest struct {
	Kind        InputRequestKind `json:"kind"`
	Questions   []Question       `json:"questions,omitempty"`
	ToolName    string           `json:"tool_name,omitempty"`
	Description string           `json:"description,omitempty"`
	Input       string           `json:"input,omitempty"`
	Prompt      string           `json:"prompt,omitempty"`
	Question_   string           `json:"question,omitempty"`
	Options     []string         `json:"options,omitempty"`
}

// InputResponseKind discriminates InputResponse's tagged-union variants.
type InputResponseKind string

const (
	ResponseText              InputResponseKind = "text"
	ResponseSelected          InputResponseKind = "selected"
	ResponseQuestionAnswers   InputResponseKind = "question_answers"
	ResponsePermissionGranted InputResponseKind = "permission_granted"
	ResponsePermissionDenied  InputResponseKind = "permission_denied"
	ResponseCancelled         InputResponseKind = "cancelled"
)

// InputResponse is the answer returned by an InputChannel.
type InputResponse struct {
	Kind       InputResponseKind `json:"kind"`
	Text       string            `json:"text,omitempty"`
	SelectedIdx int              `json:"selected_idx,omitempty"`
	SelectedLabel string         `json:"selected_label,omitempty"`
	Answers    map[string]string `json:"answers,omitempty"`
	Input      string            `json:"input,omitempty"`
	Reason     string            `json:"reason,omitempty"`
}

// PermissionBehavior is the resolved action for a permission rule match.
type PermissionBehavior string

const (
	PermissionAllow      PermissionBehavior = "allow"
	PermissionDeny       PermissionBehavior = "deny"
	PermissionAsk        PermissionBehavior = "ask"
	PermissionPassthrough PermissionBehavior = "passthrough"
)

// PermissionResult is the outcome of a tool's check_permission call or of
// permission-rule resolution.
type PermissionResult struct {
	Behavior PermissionBehavior `json:"behavior"`
	Reason   string             `json:"reason,omitempty"`
}
