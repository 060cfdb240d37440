package rpc

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"reflect"
	"strings"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-ossa"
)

const (
	commandsSegment  = "commands"
	responsesSegment = "responses"
)

// CommandChannel is the channel a target listens on for command name.
func CommandChannel(target, name string) string {
	return strings.Join([]string{target, commandsSegment, name}, ".")
}

// ResponseChannel is the private reply channel of source.
func ResponseChannel(source string) string {
	return source + "." + responsesSegment
}

// Request is the payload published on a command channel.
type Request struct {
	Command       string         `json:"command"`
	Input         any            `json:"input,omitempty"`
	CorrelationID string         `json:"correlationId"`
	Source        string         `json:"source,omitempty"`
	ReplyTo       string         `json:"replyTo,omitempty"`
	Deadline      time.Time      `json:"deadline,omitempty"`
	Meta          map[string]any `json:"meta,omitempty"`
}

// Error is a transport-friendly error envelope.
type Error struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Category  string         `json:"category,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// Err rebuilds a go-errors value so callers can match on the remote code.
func (e *Error) Err() error {
	if e == nil {
		return nil
	}
	category := errors.Category(e.Category)
	if category == "" {
		category = errors.CategoryCommand
	}
	out := errors.New(e.Message, category).WithTextCode(e.Code)
	if len(e.Details) > 0 {
		out = out.WithMetadata(e.Details)
	}
	return out
}

// FromError maps any error to the wire envelope.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var ge *errors.Error
	if stderrors.As(err, &ge) {
		code := ge.TextCode
		if code == "" {
			code = ossa.ErrCodeCommandFailed
		}
		out := &Error{
			Code:      code,
			Message:   ge.Message,
			Category:  string(ge.Category),
			Retryable: ossa.IsRetryable(err),
		}
		if len(ge.Metadata) > 0 {
			out.Details = make(map[string]any, len(ge.Metadata))
			for k, v := range ge.Metadata {
				out.Details[k] = v
			}
		}
		if len(ge.ValidationErrors) > 0 {
			if out.Details == nil {
				out.Details = map[string]any{}
			}
			out.Details["validation"] = ge.ValidationMap()
		}
		return out
	}
	return &Error{
		Code:      ossa.ErrCodeCommandFailed,
		Message:   err.Error(),
		Category:  string(errors.CategoryCommand),
		Retryable: true,
	}
}

// Response is published back to the requester's reply channel.
type Response struct {
	CorrelationID string `json:"correlationId"`
	Command       string `json:"command"`
	Success       bool   `json:"success"`
	Output        any    `json:"output,omitempty"`
	Error         *Error `json:"error,omitempty"`
	DurationMs    int64  `json:"durationMs"`
}

// CommandSpec declares a command independent of its handler.
type CommandSpec struct {
	Name         string         `json:"name" yaml:"name"`
	Description  string         `json:"description,omitempty" yaml:"description,omitempty"`
	Timeout      time.Duration  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	InputSchema  map[string]any `json:"inputSchema,omitempty" yaml:"inputSchema,omitempty"`
	OutputSchema map[string]any `json:"outputSchema,omitempty" yaml:"outputSchema,omitempty"`
	Idempotent   bool           `json:"idempotent,omitempty" yaml:"idempotent,omitempty"`
	Tags         []string       `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// CommandHandler serves one command.
type CommandHandler func(ctx context.Context, req Request) (any, error)

// NewCommand adapts a typed handler. The request input is decoded into Req
// when it is not already a Req value.
func NewCommand[Req any, Res any](handler func(context.Context, Req) (Res, error)) CommandHandler {
	reqType := reflect.TypeFor[Req]()
	return func(ctx context.Context, req Request) (any, error) {
		var in Req
		if err := decodeInput(reqType, req.Input, &in); err != nil {
			return nil, ossa.NewError(ossa.ErrValidation, "invalid input for command "+req.Command, err, map[string]any{
				"command": req.Command,
			})
		}
		return handler(ctx, in)
	}
}

func decodeInput(reqType reflect.Type, input any, out any) error {
	if input == nil {
		return nil
	}
	value := reflect.ValueOf(input)
	target := reflect.ValueOf(out).Elem()
	if value.Type().AssignableTo(reqType) {
		target.Set(value)
		return nil
	}
	if reqType.Kind() == reflect.Ptr && value.Type().AssignableTo(reqType.Elem()) {
		ptr := reflect.New(reqType.Elem())
		ptr.Elem().Set(value)
		target.Set(ptr)
		return nil
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
