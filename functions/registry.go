package functions

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"

	assistant "github.com/bt-bridge/realtime-assistant"
	"github.com/bt-bridge/realtime-assistant/shared"
	"go.uber.org/zap"
)

// Result is what a handler reports back to the agent. Output becomes the
// function_call_output item; a non-empty Instructions adds a text
// response.create after it.
type Result struct {
	Output       string
	Instructions string
}

// HandlerFunc receives its arguments in the order of Handler.Params.
type HandlerFunc func(ctx context.Context, args []string) (Result, error)

type Handler struct {
	Name        string
	Description string
	Params      []string
	Fn          HandlerFunc
}

type Option func(*Registry)

// WithAcknowledgeUnknown makes the registry answer calls to unregistered
// functions with an error-shaped function_call_output instead of staying silent.
func WithAcknowledgeUnknown(ack bool) Option {
	return func(r *Registry) { r.ackUnknown = ack }
}

// Registry maps function names to handlers. It implements assistant.Dispatcher.
type Registry struct {
	logger     shared.LoggerAdapter
	ackUnknown bool

	mu       sync.RWMutex
	handlers map[string]*Handler
}

var _ assistant.Dispatcher = (*Registry)(nil)

func NewRegistry(logger shared.LoggerAdapter, opts ...Option) (*Registry, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	r := &Registry{
		logger:   logger.With(zap.String("component", "functions")),
		handlers: map[string]*Handler{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Registry) Register(h Handler) error {
	if h.Name == "" {
		return fmt.Errorf("registering handler: empty name")
	}
	if h.Fn == nil {
		return fmt.Errorf("registering %s: nil handler func", h.Name)
	}
	params := make([]string, len(h.Params))
	for i, p := range h.Params {
		params[i] = NormalizeKey(p)
	}
	h.Params = params

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[h.Name]; ok {
		return fmt.Errorf("%w: %s", shared.ErrDuplicateFunction, h.Name)
	}
	r.handlers[h.Name] = &h
	return nil
}

func (r *Registry) Lookup(name string) (*Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Tools describes every registered handler as a realtime function tool. All
// parameters are required strings.
func (r *Registry) Tools() []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]map[string]any, 0, len(r.handlers))
	for _, name := range r.namesLocked() {
		h := r.handlers[name]
		props := make(map[string]any, len(h.Params))
		required := make([]any, len(h.Params))
		for i, p := range h.Params {
			props[p] = map[string]any{"type": "string"}
			required[i] = p
		}
		tools = append(tools, map[string]any{
			"type":        "function",
			"name":        h.Name,
			"description": h.Description,
			"parameters": map[string]any{
				"type":       "object",
				"properties": props,
				"required":   required,
			},
		})
	}
	return tools
}

// Dispatch runs the handler for call and emits its Handler Response pair
// through out. Handler failures are still acknowledged with an "error:"
// output before the error is returned; unknown functions return
// shared.ErrUnknownFunction and are only acknowledged when configured to.
func (r *Registry) Dispatch(ctx context.Context, call *assistant.ServerEventParamFunctionCall, out assistant.Sender) error {
	h, ok := r.Lookup(call.Name)
	if !ok {
		err := fmt.Errorf("%w: %s", shared.ErrUnknownFunction, call.Name)
		if r.ackUnknown {
			if sendErr := out.Send(assistant.NewFunctionCallOutput(call.CallId, "error: "+err.Error())); sendErr != nil {
				return fmt.Errorf("%w (acknowledging: %v)", err, sendErr)
			}
		}
		return err
	}

	res, err := r.invoke(ctx, h, call.Parameters)
	if err != nil {
		if sendErr := out.Send(assistant.NewFunctionCallOutput(call.CallId, "error: "+err.Error())); sendErr != nil {
			return fmt.Errorf("%s: %w (acknowledging: %v)", h.Name, err, sendErr)
		}
		return fmt.Errorf("%s: %w", h.Name, err)
	}

	if err := out.Send(assistant.NewFunctionCallOutput(call.CallId, res.Output)); err != nil {
		return fmt.Errorf("sending %s output: %w", h.Name, err)
	}
	if res.Instructions != "" {
		if err := out.Send(assistant.NewResponseCreate([]string{assistant.ModalityText}, res.Instructions)); err != nil {
			return fmt.Errorf("sending %s follow-up: %w", h.Name, err)
		}
	}
	r.logger.Debug("function call acknowledged", zap.String("function", h.Name))
	return nil
}

func (r *Registry) invoke(ctx context.Context, h *Handler, params map[string]string) (res Result, err error) {
	args, err := Arguments(h.Params, params)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Debug("handler panic", zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	return h.Fn(ctx, args)
}

// NormalizeKey folds a parameter name to snake case: "Appointment Type"
// and "appointment-type" both become "appointment_type".
func NormalizeKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	return strings.Join(strings.FieldsFunc(key, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_' || r == '\t'
	}), "_")
}

// Arguments orders params by names after normalising both sides.
func Arguments(names []string, params map[string]string) ([]string, error) {
	normalized := make(map[string]string, len(params))
	for k, v := range params {
		normalized[NormalizeKey(k)] = v
	}
	args := make([]string, len(names))
	var missing []string
	for i, name := range names {
		v, ok := normalized[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		args[i] = v
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", shared.ErrMissingParameter, strings.Join(missing, ", "))
	}
	return args, nil
}
