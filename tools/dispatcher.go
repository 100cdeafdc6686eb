// Package tools dispatches model tool calls to the backend collaborators
// (geocoding, places search, directions, web search) and resolves batches
// of calls into one correlated set of responses.
package tools

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/almuete/ari/logger"
	"github.com/almuete/ari/metrics"
	"github.com/almuete/ari/protocol"
	"github.com/almuete/ari/telemetry"
)

// DefaultConcurrency bounds in-flight calls per batch.
const DefaultConcurrency = 8

// Dispatcher maps tool names to collaborator calls.
type Dispatcher struct {
	client      Collaborator
	tools       map[string]*Tool
	order       []string
	validator   *SchemaValidator
	tracer      trace.Tracer
	concurrency int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher) error

// WithEnabled restricts the dispatcher to the named tools. Unknown names
// are rejected by NewDispatcher.
func WithEnabled(names ...string) Option {
	return func(d *Dispatcher) error {
		if len(names) == 0 {
			return nil
		}
		enabled := make(map[string]*Tool, len(names))
		order := make([]string, 0, len(names))
		for _, name := range names {
			t, ok := d.tools[name]
			if !ok {
				return &UnknownToolError{Name: name}
			}
			if _, dup := enabled[name]; !dup {
				order = append(order, name)
			}
			enabled[name] = t
		}
		d.tools = enabled
		d.order = order
		return nil
	}
}

// WithConcurrency bounds how many calls of one batch run at once.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) error {
		if n > 0 {
			d.concurrency = n
		}
		return nil
	}
}

// WithTracer sets the tracer used for tool.invoke spans.
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) error {
		d.tracer = t
		return nil
	}
}

// NewDispatcher creates a dispatcher over the builtin tools.
func NewDispatcher(client Collaborator, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		client:      client,
		tools:       make(map[string]*Tool),
		validator:   NewSchemaValidator(),
		tracer:      telemetry.Tracer(nil),
		concurrency: DefaultConcurrency,
	}
	for _, t := range Builtin() {
		d.tools[t.Name] = t
		d.order = append(d.order, t.Name)
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Declarations returns the enabled tools as function declarations.
func (d *Dispatcher) Declarations() []protocol.FunctionDeclaration {
	out := make([]protocol.FunctionDeclaration, 0, len(d.order))
	for _, name := range d.order {
		t := d.tools[name]
		out = append(out, protocol.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Schema,
		})
	}
	return out
}

// Invoke runs one tool and returns {"output": result}. It fails with
// *UnknownToolError, *ValidationError or *CollaboratorError.
func (d *Dispatcher) Invoke(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	ctx, span := d.tracer.Start(ctx, "tool.invoke", trace.WithAttributes(telemetry.AttrToolName.String(name)))
	defer span.End()

	start := time.Now()
	result, err := d.invoke(ctx, name, args)

	status := metrics.StatusSuccess
	if err != nil {
		status = metrics.StatusError
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	metrics.RecordToolCall(name, status, time.Since(start).Seconds())

	if err != nil {
		return nil, err
	}
	return map[string]any{"output": result}, nil
}

func (d *Dispatcher) invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	t, ok := d.tools[name]
	if !ok {
		return nil, &UnknownToolError{Name: name}
	}

	body := t.Normalize(args)
	if err := d.validator.ValidateArgs(t, body); err != nil {
		return nil, err
	}

	result, err := d.client.Post(ctx, t.Path, body)
	if err != nil {
		var ce *CollaboratorError
		if errors.As(err, &ce) && ce.Tool == "" {
			ce.Tool = name
		}
		return nil, err
	}
	return result, nil
}

// ResolveBatch invokes every call concurrently and returns exactly one
// response per call, in input order. Failures, including panics, become
// {"error": message} entries; nothing is left unresolved.
func (d *Dispatcher) ResolveBatch(ctx context.Context, calls []protocol.ToolCall) []protocol.FunctionResponse {
	responses := make([]protocol.FunctionResponse, len(calls))
	metrics.RecordToolBatch(len(calls))

	var g errgroup.Group
	g.SetLimit(d.concurrency)

	for i, call := range calls {
		g.Go(func() error {
			responses[i] = d.resolve(ctx, call)
			return nil
		})
	}
	_ = g.Wait()

	return responses
}

func (d *Dispatcher) resolve(ctx context.Context, call protocol.ToolCall) (resp protocol.FunctionResponse) {
	resp = protocol.FunctionResponse{ID: call.ID, Name: call.Name}
	ctx = logger.WithToolCallID(ctx, call.ID)

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("tool %s panicked: %v", call.Name, r)
			logger.ErrorContext(ctx, "tool handler panic", "tool", call.Name, "panic", r, "stack", string(debug.Stack()))
			resp.Response = map[string]any{"error": err.Error()}
		}
	}()

	out, err := d.Invoke(ctx, call.Name, call.Args)
	logger.ToolCall(ctx, call.Name, err)
	if err != nil {
		resp.Response = map[string]any{"error": ErrorMessage(err)}
		return resp
	}
	resp.Response = out
	return resp
}
