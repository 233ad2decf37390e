package domain

import (
	"encoding/json"
	"strings"
)

// IssueRequest is the inbound support issue
type IssueRequest struct {
	ProjectID string `json:"project_id"`
	IssueType string `json:"issue_type"`
	Reporter  string `json:"reporter"`
	Summary   string `json:"summary"`
	Comment   string `json:"comment"`
}

// trackerForm mirrors the form payload posted by the issue tracker integration
type trackerForm struct {
	ProjectID string `json:"Project ID"`
	IssueType string `json:"Issue Type"`
	Reporter  string `json:"Reporter"`
	Summary   string `json:"Summary"`
	Comment   struct {
		Content string `json:"Content"`
	} `json:"Comment"`
}

// UnmarshalJSON accepts both the tracker form shape and the flat snake_case shape.
func (r *IssueRequest) UnmarshalJSON(data []byte) error {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return err
	}

	if isTrackerForm(keys) {
		var form trackerForm
		if err := json.Unmarshal(data, &form); err != nil {
			return err
		}
		*r = IssueRequest{
			ProjectID: form.ProjectID,
			IssueType: form.IssueType,
			Reporter:  form.Reporter,
			Summary:   form.Summary,
			Comment:   form.Comment.Content,
		}
		return nil
	}

	type flat IssueRequest
	var f flat
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*r = IssueRequest(f)
	return nil
}

func isTrackerForm(keys map[string]json.RawMessage) bool {
	for _, k := range []string{"Project ID", "Issue Type", "Comment"} {
		if _, ok := keys[k]; ok {
			return true
		}
	}
	return false
}

// Validate checks that every field is present and non-blank.
func (r IssueRequest) Validate() error {
	fields := map[string]string{}
	check := func(name, value string) {
		if strings.TrimSpace(value) == "" {
			fields[name] = "is required"
		}
	}
	check("project_id", r.ProjectID)
	check("issue_type", r.IssueType)
	check("reporter", r.Reporter)
	check("summary", r.Summary)
	check("comment", r.Comment)

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// Question is the text the pipeline answers: summary plus comment.
func (r IssueRequest) Question() string {
	return strings.TrimSpace(r.Summary + "\n\n" + r.Comment)
}
