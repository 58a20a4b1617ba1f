// Package envelope implements the DomainAction / DomainActionResponse wire
// model: the unit of work passed between every service in the fabric.
//
// The payload ("data") and free-form ("metadata") bags are carried as
// map[string]json.RawMessage rather than a concrete struct so that fields a
// sender's newer version adds, and this version's decoder doesn't know
// about, are never silently dropped -- they round-trip verbatim through any
// number of hops, per the forward-compatibility requirement in spec section
// 6. Callers that need a typed view of data call UnmarshalData into their
// own per-action-type struct.
package envelope

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// DomainAction is the canonical envelope carried on every stream, response
// queue, and callback queue in the fabric.
type DomainAction struct {
	ActionID   string    `json:"action_id"`
	ActionType string    `json:"action_type"`
	Timestamp  time.Time `json:"timestamp"`

	TenantID  string `json:"tenant_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	OriginService string `json:"origin_service"`
	CorrelationID string `json:"correlation_id,omitempty"`
	TraceID       string `json:"trace_id,omitempty"`

	CallbackQueueName  string `json:"callback_queue_name,omitempty"`
	CallbackActionType string `json:"callback_action_type,omitempty"`

	Data     map[string]json.RawMessage `json:"data"`
	Metadata map[string]json.RawMessage `json:"metadata,omitempty"`
}

// ErrorDetail carries a structured failure reported on a DomainActionResponse.
type ErrorDetail struct {
	ErrorType string                     `json:"error_type"`
	ErrorCode string                     `json:"error_code"`
	Message   string                     `json:"message"`
	Details   map[string]json.RawMessage `json:"details,omitempty"`
}

// DomainActionResponse is the reply to a pseudo-synchronous DomainAction.
type DomainActionResponse struct {
	ActionID      string    `json:"action_id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	TraceID       string    `json:"trace_id,omitempty"`
	Success       bool      `json:"success"`
	Timestamp     time.Time `json:"timestamp"`

	Data  map[string]json.RawMessage `json:"data,omitempty"`
	Error *ErrorDetail               `json:"error,omitempty"`
}

// New constructs a DomainAction with a fresh action_id and timestamp. If ctx
// carries a live OpenTelemetry span, trace_id is derived from it instead of
// being left for the caller to stamp by hand, so traces drawn in an APM
// line up with the hop that actually originated the call.
func New(ctx context.Context, originService, actionType string, data map[string]json.RawMessage) (*DomainAction, error) {
	if originService == "" {
		return nil, fmt.Errorf("envelope: origin_service is required")
	}
	if actionType == "" {
		return nil, fmt.Errorf("envelope: action_type is required")
	}

	action := &DomainAction{
		ActionID:      uuid.New().String(),
		ActionType:    actionType,
		Timestamp:     time.Now().UTC(),
		OriginService: originService,
		Data:          data,
	}

	if data == nil {
		action.Data = make(map[string]json.RawMessage)
	}

	if ctx != nil {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			action.TraceID = sc.TraceID().String()
		}
	}

	return action, nil
}

// Pattern classifies the request/reply shape implied by the callback
// fields, per spec section 3's invariants.
type Pattern int

const (
	// PatternFireAndForget: neither callback field set.
	PatternFireAndForget Pattern = iota
	// PatternPseudoSync: callback_queue_name set, callback_action_type unset.
	PatternPseudoSync
	// PatternAsyncCallback: both callback fields set.
	PatternAsyncCallback
)

// Pattern reports which of the three request/reply shapes this envelope
// implies.
func (a *DomainAction) Pattern() Pattern {
	switch {
	case a.CallbackQueueName != "" && a.CallbackActionType != "":
		return PatternAsyncCallback
	case a.CallbackQueueName != "":
		return PatternPseudoSync
	default:
		return PatternFireAndForget
	}
}

// Validate checks the envelope's required fields. It is invoked by Decode
// and may also be called directly by a sender before Encode.
func (a *DomainAction) Validate() error {
	if a.ActionID == "" {
		return fmt.Errorf("envelope: action_id is required")
	}
	if a.ActionType == "" {
		return fmt.Errorf("envelope: action_type is required")
	}
	if a.OriginService == "" {
		return fmt.Errorf("envelope: origin_service is required")
	}
	if a.Data == nil {
		return fmt.Errorf("envelope: data is required (use an empty object, not null)")
	}
	return nil
}

// UnmarshalData decodes the data bag into a concrete per-action-type
// struct. Callers use this once they know which handler owns the envelope.
func (a *DomainAction) UnmarshalData(v interface{}) error {
	raw, err := json.Marshal(a.Data)
	if err != nil {
		return fmt.Errorf("envelope: failed to re-marshal data: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("envelope: failed to unmarshal data: %w", err)
	}
	return nil
}

// Encode serializes the envelope for stream/queue transport. Fails if
// required fields are missing.
func Encode(a *DomainAction) ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode failed: %w", err)
	}
	return b, nil
}

// Decode deserializes an envelope, validating required fields. Unknown
// fields inside data/metadata are preserved automatically because they are
// stored as map[string]json.RawMessage.
func Decode(b []byte) (*DomainAction, error) {
	var a DomainAction
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, fmt.Errorf("envelope: decode failed: %w", err)
	}
	if a.Data == nil {
		a.Data = make(map[string]json.RawMessage)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// NewResponse constructs a DomainActionResponse propagating action_id,
// correlation_id, and trace_id from the original action. Exactly one of
// data/err is populated, per spec section 3's invariant: a success response
// must not carry an error (nil data becomes an empty bag), and a failure
// response must carry an error and no data. Violating that is a
// construction-time failure rather than something callers discover later
// from a malformed response on the wire.
func NewResponse(original *DomainAction, success bool, data map[string]json.RawMessage, errDetail *ErrorDetail) (*DomainActionResponse, error) {
	if success && errDetail != nil {
		return nil, fmt.Errorf("envelope: success response must not carry an error")
	}
	if !success && errDetail == nil {
		return nil, fmt.Errorf("envelope: failure response must carry an error")
	}
	if !success && data != nil {
		return nil, fmt.Errorf("envelope: failure response must not carry data")
	}
	if success && data == nil {
		data = make(map[string]json.RawMessage)
	}

	return &DomainActionResponse{
		ActionID:      original.ActionID,
		CorrelationID: original.CorrelationID,
		TraceID:       original.TraceID,
		Success:       success,
		Timestamp:     time.Now().UTC(),
		Data:          data,
		Error:         errDetail,
	}, nil
}

// EncodeResponse serializes a DomainActionResponse for the response queue.
func EncodeResponse(r *DomainActionResponse) ([]byte, error) {
	if r.Success && r.Error != nil {
		return nil, fmt.Errorf("envelope: success response must not carry an error")
	}
	if !r.Success && r.Error == nil {
		return nil, fmt.Errorf("envelope: failure response must carry an error")
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("envelope: response encode failed: %w", err)
	}
	return b, nil
}

// DecodeResponse deserializes a DomainActionResponse from the response queue.
func DecodeResponse(b []byte) (*DomainActionResponse, error) {
	var r DomainActionResponse
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("envelope: response decode failed: %w", err)
	}
	return &r, nil
}
