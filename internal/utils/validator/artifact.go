package validator

import (
	"fmt"
	"strings"

	"github.com/feichai0017/building-console/config"
	"github.com/feichai0017/building-console/internal/models"
)

// Reason is why an artifact was rejected.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonUnsupportedType Reason = "UNSUPPORTED_TYPE"
	ReasonTooLarge        Reason = "TOO_LARGE"
)

// Policy gates artifacts by extension and size.
type Policy struct {
	AllowedExtensions map[string]struct{}
	MaxBytes          int64
}

// NewPolicy normalizes extensions to lower case without a leading dot.
func NewPolicy(maxBytes int64, extensions ...string) Policy {
	p := Policy{
		AllowedExtensions: make(map[string]struct{}, len(extensions)),
		MaxBytes:          maxBytes,
	}
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext != "" {
			p.AllowedExtensions[ext] = struct{}{}
		}
	}
	return p
}

// PoliciesFrom converts loaded policy config into per-kind policies.
func PoliciesFrom(raw map[string]config.PolicyConfig) map[models.SubmissionKind]Policy {
	out := make(map[models.SubmissionKind]Policy, len(raw))
	for kind, p := range raw {
		out[models.SubmissionKind(kind)] = NewPolicy(p.MaxBytes, p.Extensions...)
	}
	return out
}

// ValidationError 验证错误
type ValidationError struct {
	Code    Reason `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Outcome is Accepted when Err is nil.
type Outcome struct {
	Err *ValidationError
}

func (o Outcome) Accepted() bool { return o.Err == nil }

// Reason returns ReasonNone for accepted artifacts.
func (o Outcome) Reason() Reason {
	if o.Err == nil {
		return ReasonNone
	}
	return o.Err.Code
}

// Extension returns the lower-cased text after the last dot, or "" when there is none.
func Extension(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx < 0 || idx == len(name)-1 {
		return ""
	}
	return strings.ToLower(name[idx+1:])
}

// Validate checks type before size, so a disallowed type is reported regardless of size.
func Validate(name string, size int64, policy Policy) Outcome {
	ext := Extension(name)
	if _, ok := policy.AllowedExtensions[ext]; !ok || ext == "" {
		return Outcome{Err: &ValidationError{
			Code:    ReasonUnsupportedType,
			Message: fmt.Sprintf("file type %q is not allowed", ext),
			Field:   "extension",
		}}
	}
	if size > policy.MaxBytes {
		return Outcome{Err: &ValidationError{
			Code:    ReasonTooLarge,
			Message: fmt.Sprintf("file size exceeds maximum limit of %d bytes", policy.MaxBytes),
			Field:   "size",
		}}
	}
	return Outcome{}
}

// ValidateArtifact is Validate over an artifact's name and size.
func ValidateArtifact(a *models.Artifact, policy Policy) Outcome {
	if a == nil {
		return Outcome{Err: &ValidationError{Code: ReasonUnsupportedType, Message: "no artifact", Field: "file"}}
	}
	return Validate(a.Name, a.Size, policy)
}
