// Package service provides the Base a business microservice embeds: a
// registry of action_type handlers, payload validation, and the glue that
// turns a handler's return value into a response or callback send.
//
// Grounded on cellorg/public/agent.BaseAgent (constructor shape, LogInfo/
// LogDebug/LogError helpers) and framework.AgentRunner's single
// ProcessMessage entry point -- generalized here into a map-based
// action_type registry, per spec.md Design Note section 9's explicit
// preference for dispatch-by-registry over one fixed handler method, since
// a single service in this fabric answers many distinct action types.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/go-playground/validator/v10"

	"github.com/kkvrivishvili/nooble4-sub005/pkg/config"
	"github.com/kkvrivishvili/nooble4-sub005/pkg/envelope"
	"github.com/kkvrivishvili/nooble4-sub005/pkg/fabriterr"
	"github.com/kkvrivishvili/nooble4-sub005/pkg/logging"
	"github.com/kkvrivishvili/nooble4-sub005/pkg/tier"
	"github.com/kkvrivishvili/nooble4-sub005/pkg/transport"
)

// Handler processes one action_type's payload and returns the data bag for
// a successful response. A handler returning an error causes Base to build
// an error response (or, for fire-and-forget envelopes, just log it).
type Handler func(ctx context.Context, a *envelope.DomainAction) (map[string]interface{}, error)

type registration struct {
	handler      Handler
	payloadType  reflect.Type // struct type to decode/validate envelope.data into, or nil
}

// Base is the runtime every business microservice in the fabric embeds.
// It owns the action_type registry, payload validation, and response/
// callback emission -- a handler only implements domain logic.
type Base struct {
	settings  *config.Settings
	transport *transport.Client
	tier      *tier.Engine
	log       *logging.Logger
	validate  *validator.Validate

	handlers map[string]registration
}

// NewBase constructs a Base for settings.ServiceName, wired to the shared
// transport client and tier engine.
func NewBase(settings *config.Settings, tr *transport.Client, tierEngine *tier.Engine, log *logging.Logger) *Base {
	return &Base{
		settings:  settings,
		transport: tr,
		tier:      tierEngine,
		log:       log,
		validate:  validator.New(),
		handlers:  make(map[string]registration),
	}
}

// RegisterHandler binds fn to actionType. payloadSchema, when non-nil,
// should be the zero value of a struct tagged with `validate:"..."` rules;
// ProcessAction allocates a fresh instance per dispatch, unmarshals the
// envelope's data into it, and validates before invoking fn, so concurrent
// dispatches of the same action_type never share mutable schema state.
func (b *Base) RegisterHandler(actionType string, payloadSchema interface{}, fn Handler) {
	reg := registration{handler: fn}
	if payloadSchema != nil {
		reg.payloadType = reflect.TypeOf(payloadSchema)
	}
	b.handlers[actionType] = reg
}

// ProcessAction is the single entry point the worker runtime dispatches
// every delivered envelope through. It resolves the handler, validates the
// payload schema if one was registered, invokes the handler, and emits a
// response or callback according to the envelope's pattern. The returned
// error's fabriterr classification tells the worker whether to ack (a
// permanent failure -- bad envelope, unknown handler, validation failure,
// or a business error) or retry (a transient transport error surfaced by
// the handler).
func (b *Base) ProcessAction(ctx context.Context, a *envelope.DomainAction) error {
	log := b.log
	if log != nil {
		log = log.WithEnvelopeContext(a.ActionID, a.CorrelationID, a.TraceID, a.ActionType)
	}

	reg, ok := b.handlers[a.ActionType]
	if !ok {
		return b.finish(ctx, a, log, nil, &fabriterr.HandlerNotFound{ActionType: a.ActionType})
	}

	if reg.payloadType != nil {
		if err := b.validatePayload(a, reg.payloadType); err != nil {
			return b.finish(ctx, a, log, nil, err)
		}
	}

	data, err := reg.handler(ctx, a)
	if err != nil {
		if log != nil {
			log.WithError(err).Errorf("service: handler failed")
		}
		return b.finish(ctx, a, log, nil, &fabriterr.BusinessError{Err: err})
	}

	return b.finish(ctx, a, log, data, nil)
}

func (b *Base) validatePayload(a *envelope.DomainAction, payloadType reflect.Type) error {
	instance := reflect.New(payloadType).Interface()
	if err := a.UnmarshalData(instance); err != nil {
		return &fabriterr.PayloadValidationError{ActionType: a.ActionType, Err: err}
	}
	if err := b.validate.Struct(instance); err != nil {
		return &fabriterr.PayloadValidationError{ActionType: a.ActionType, Err: err}
	}
	return nil
}

// finish emits the response or callback appropriate to the envelope's
// pattern, and returns the handling error (if any) so the worker can
// classify it via fabriterr.Classify. Fire-and-forget envelopes have
// nowhere to reply to, so a handler failure there is only logged.
func (b *Base) finish(ctx context.Context, a *envelope.DomainAction, log *logging.Logger, data map[string]interface{}, handlerErr error) error {
	switch a.Pattern() {
	case envelope.PatternFireAndForget:
		if handlerErr != nil && log != nil {
			log.WithError(handlerErr).Errorf("service: fire-and-forget handler failed, nothing to reply to")
		}
		return handlerErr

	case envelope.PatternPseudoSync:
		return b.replyResponse(ctx, a, data, handlerErr)

	case envelope.PatternAsyncCallback:
		return b.replyCallback(ctx, a, data, handlerErr)
	}

	return handlerErr
}

// replyResponse sends a DomainActionResponse to the pseudo-sync caller's
// response queue, per spec.md section 4.5 pattern B.
func (b *Base) replyResponse(ctx context.Context, a *envelope.DomainAction, data map[string]interface{}, handlerErr error) error {
	respData, errDetail, err := b.buildReplyFields(data, handlerErr)
	if err != nil {
		return err
	}

	resp, err := envelope.NewResponse(a, handlerErr == nil, respData, errDetail)
	if err != nil {
		return err
	}
	raw, err := envelope.EncodeResponse(resp)
	if err != nil {
		return err
	}
	if err := b.transport.PushRaw(ctx, a.CallbackQueueName, raw); err != nil {
		return err
	}
	return handlerErr
}

// replyCallback sends a fresh DomainAction of type a.CallbackActionType to
// the callback queue, per spec.md section 4.5 pattern C: "the receiver
// must deliver ... a fresh DomainAction of type callback_action_type."
// Success and failure share one callback action_type by this module's
// convention; the originating service distinguishes them by inspecting the
// "success"/"error" fields in the callback's data bag, mirroring
// DomainActionResponse's own shape.
func (b *Base) replyCallback(ctx context.Context, a *envelope.DomainAction, data map[string]interface{}, handlerErr error) error {
	respData, errDetail, err := b.buildReplyFields(data, handlerErr)
	if err != nil {
		return err
	}

	callback, err := envelope.New(ctx, b.settings.ServiceName, a.CallbackActionType, nil)
	if err != nil {
		return err
	}
	callback.CorrelationID = a.CorrelationID
	callback.TraceID = a.TraceID

	successRaw, _ := json.Marshal(handlerErr == nil)
	callback.Data["success"] = successRaw
	if len(respData) > 0 {
		dataRaw, marshalErr := json.Marshal(respData)
		if marshalErr != nil {
			return fmt.Errorf("service: failed to encode callback data: %w", marshalErr)
		}
		callback.Data["data"] = dataRaw
	}
	if errDetail != nil {
		errRaw, marshalErr := json.Marshal(errDetail)
		if marshalErr != nil {
			return fmt.Errorf("service: failed to encode callback error: %w", marshalErr)
		}
		callback.Data["error"] = errRaw
	}

	raw, err := envelope.Encode(callback)
	if err != nil {
		return err
	}
	if err := b.transport.PushRaw(ctx, a.CallbackQueueName, raw); err != nil {
		return err
	}
	return handlerErr
}

func (b *Base) buildReplyFields(data map[string]interface{}, handlerErr error) (map[string]json.RawMessage, *envelope.ErrorDetail, error) {
	if handlerErr != nil {
		return nil, &envelope.ErrorDetail{
			ErrorType: fmt.Sprintf("%T", handlerErr),
			ErrorCode: errorCode(handlerErr),
			Message:   handlerErr.Error(),
		}, nil
	}
	respData, err := encodeData(data)
	return respData, nil, err
}

func errorCode(err error) string {
	var tierErr *fabriterr.TierLimitExceeded
	if errors.As(err, &tierErr) {
		return string(tierErr.Kind)
	}
	var notFound *fabriterr.HandlerNotFound
	if errors.As(err, &notFound) {
		return "HANDLER_NOT_FOUND"
	}
	var validationErr *fabriterr.PayloadValidationError
	if errors.As(err, &validationErr) {
		return "VALIDATION_FAILED"
	}
	var timedOut *fabriterr.TimedOut
	if errors.As(err, &timedOut) {
		return "TIMED_OUT"
	}
	return "INTERNAL_ERROR"
}

// encodeData re-marshals a handler's loosely-typed result into the wire
// model's map[string]json.RawMessage bag.
func encodeData(data map[string]interface{}) (map[string]json.RawMessage, error) {
	if data == nil {
		return make(map[string]json.RawMessage), nil
	}
	out := make(map[string]json.RawMessage, len(data))
	for k, v := range data {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("service: failed to encode response field %q: %w", k, err)
		}
		out[k] = raw
	}
	return out, nil
}
