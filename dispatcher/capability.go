package dispatcher

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/BaSui01/hivemind/types"
)

// Capability names a skill used to route tasks to eligible workers.
type Capability string

// Built-in capabilities.
const (
	CapabilityChat        Capability = "chat"
	CapabilityImage       Capability = "image"
	CapabilityVideo       Capability = "video"
	CapabilityModeration  Capability = "moderation"
	CapabilityTranslation Capability = "translation"
	CapabilityAnalysis    Capability = "analysis"
)

// PayloadValidator validates the raw JSON payload of one capability.
type PayloadValidator func(payload json.RawMessage) error

// Validatable is implemented by typed payloads.
type Validatable interface {
	Validate() error
}

// Schema returns a validator that strictly decodes the payload into T and
// runs its Validate method.
func Schema[T Validatable]() PayloadValidator {
	return func(payload json.RawMessage) error {
		_, err := decodeStrict[T](payload)
		return err
	}
}

// DecodePayload decodes a task payload into its typed variant.
func DecodePayload[T any](task Task) (T, error) {
	var v T
	if err := json.Unmarshal(task.Payload, &v); err != nil {
		return v, types.NewValidationError("decode %s payload: %v", task.Capability, err)
	}
	return v, nil
}

func decodeStrict[T Validatable](payload json.RawMessage) (T, error) {
	var v T
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, types.NewValidationError("invalid payload: %v", err)
	}
	if err := v.Validate(); err != nil {
		return v, types.WrapError(err, types.ErrValidation)
	}
	return v, nil
}

// Registry is the closed set of capabilities the dispatcher accepts, each
// with its payload validator. It is extensible through Register.
type Registry struct {
	mu         sync.RWMutex
	validators map[Capability]PayloadValidator
}

// NewRegistry returns a registry holding the built-in capabilities.
func NewRegistry() *Registry {
	r := &Registry{validators: make(map[Capability]PayloadValidator)}
	r.validators[CapabilityChat] = Schema[ChatPayload]()
	r.validators[CapabilityImage] = Schema[ImagePayload]()
	r.validators[CapabilityVideo] = Schema[VideoPayload]()
	r.validators[CapabilityModeration] = Schema[ModerationPayload]()
	r.validators[CapabilityTranslation] = Schema[TranslationPayload]()
	r.validators[CapabilityAnalysis] = Schema[AnalysisPayload]()
	return r
}

// Register adds or replaces a capability. A nil validator accepts any JSON
// payload.
func (r *Registry) Register(c Capability, v PayloadValidator) error {
	if strings.TrimSpace(string(c)) == "" {
		return types.NewValidationError("capability is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators[c] = v
	return nil
}

// Known reports whether c is registered.
func (r *Registry) Known(c Capability) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.validators[c]
	return ok
}

// Capabilities lists registered capabilities in order.
func (r *Registry) Capabilities() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Capability, 0, len(r.validators))
	for c := range r.validators {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate checks that c is known and payload matches its schema.
func (r *Registry) Validate(c Capability, payload json.RawMessage) error {
	if c == "" {
		return types.NewValidationError("capability is required")
	}
	r.mu.RLock()
	v, ok := r.validators[c]
	r.mu.RUnlock()
	if !ok {
		return types.NewValidationError("unknown capability %q", c)
	}
	if v == nil {
		if !json.Valid(payload) {
			return types.NewValidationError("payload is not valid JSON")
		}
		return nil
	}
	if err := v(payload); err != nil {
		if te, ok := types.AsError(err); ok && te.Code == types.ErrValidation {
			return types.NewValidationError("%s payload: %s", c, te.Message)
		}
		return types.NewValidationError("%s payload: %v", c, err)
	}
	return nil
}

// ParseCapabilities converts names into capabilities, rejecting unknown ones.
func (r *Registry) ParseCapabilities(names []string) ([]Capability, error) {
	if len(names) == 0 {
		return nil, types.NewValidationError("at least one capability is required")
	}
	out := make([]Capability, 0, len(names))
	for _, n := range names {
		c := Capability(strings.ToLower(strings.TrimSpace(n)))
		if !r.Known(c) {
			return nil, types.NewValidationError("unknown capability %q", n)
		}
		out = append(out, c)
	}
	return out, nil
}

// ValidatePayload encodes payload and checks it against the validator of c.
func (r *Registry) ValidatePayload(c Capability, payload any) error {
	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}
	return r.Validate(c, raw)
}

// encodePayload normalizes a caller payload into JSON.
func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return p, nil
	case []byte:
		if len(p) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return json.RawMessage(p), nil
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, types.NewValidationError("payload is not JSON encodable: %v", err)
		}
		return b, nil
	}
}

// =============================================================================
// Built-in payloads
// =============================================================================

// ChatPayload is the payload of CapabilityChat.
type ChatPayload struct {
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	// Model overrides the worker's default model.
	Model string `json:"model,omitempty"`
}

func (p ChatPayload) Validate() error {
	if strings.TrimSpace(p.Prompt) == "" {
		return types.NewValidationError("prompt is required")
	}
	return nil
}

// ImagePayload is the payload of CapabilityImage.
type ImagePayload struct {
	Prompt string `json:"prompt"`
	Size   string `json:"size,omitempty"`
	Count  int    `json:"count,omitempty"`
}

func (p ImagePayload) Validate() error {
	if strings.TrimSpace(p.Prompt) == "" {
		return types.NewValidationError("prompt is required")
	}
	if p.Count < 0 || p.Count > 4 {
		return types.NewValidationError("count must be between 0 and 4")
	}
	return nil
}

// VideoPayload is the payload of CapabilityVideo. Either Prompt or
// SourceURL is required.
type VideoPayload struct {
	Prompt          string `json:"prompt,omitempty"`
	SourceURL       string `json:"sourceUrl,omitempty"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
}

func (p VideoPayload) Validate() error {
	if p.Prompt == "" && p.SourceURL == "" {
		return types.NewValidationError("prompt or sourceUrl is required")
	}
	if p.DurationSeconds < 0 {
		return types.NewValidationError("durationSeconds must not be negative")
	}
	return nil
}

// ModerationPayload is the payload of CapabilityModeration.
type ModerationPayload struct {
	Content     string `json:"content"`
	ContentType string `json:"contentType,omitempty"`
}

func (p ModerationPayload) Validate() error {
	if strings.TrimSpace(p.Content) == "" {
		return types.NewValidationError("content is required")
	}
	return nil
}

// TranslationPayload is the payload of CapabilityTranslation.
type TranslationPayload struct {
	Text           string `json:"text"`
	SourceLanguage string `json:"sourceLanguage,omitempty"`
	TargetLanguage string `json:"targetLanguage"`
}

func (p TranslationPayload) Validate() error {
	if strings.TrimSpace(p.Text) == "" {
		return types.NewValidationError("text is required")
	}
	if p.TargetLanguage == "" {
		return types.NewValidationError("targetLanguage is required")
	}
	return nil
}

// AnalysisPayload is the payload of CapabilityAnalysis.
type AnalysisPayload struct {
	Subject  string          `json:"subject"`
	Question string          `json:"question,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

func (p AnalysisPayload) Validate() error {
	if strings.TrimSpace(p.Subject) == "" {
		return types.NewValidationError("subject is required")
	}
	return nil
}
