package dispatch

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"

	"towersched/internal/domain"
)

// Call is one resolved invocation. Op is the part of the function reference
// after the namespace separator, empty for exact registrations.
type Call struct {
	Function string
	Op       string
	Args     []json.RawMessage
}

type Handler interface {
	Handle(ctx context.Context, call Call) error
}

type HandlerFunc func(ctx context.Context, call Call) error

func (f HandlerFunc) Handle(ctx context.Context, call Call) error { return f(ctx, call) }

// Registry resolves function references to handlers: an exact name match
// wins, otherwise the namespace before the first ':' is tried.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	timeout  time.Duration
}

func NewRegistry(timeout time.Duration) *Registry {
	return &Registry{handlers: map[string]Handler{}, timeout: timeout}
}

func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	r.handlers[name] = h
	r.mu.Unlock()
}

func (r *Registry) Resolve(function string) (Handler, Call, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[function]; ok {
		return h, Call{Function: function}, true
	}
	ns, op, found := strings.Cut(function, ":")
	if !found {
		return nil, Call{}, false
	}
	h, ok := r.handlers[ns]
	return h, Call{Function: function, Op: op}, ok
}

// Invoke runs the handler for function under the registry timeout. Errors are
// marked domain.ErrDispatch.
func (r *Registry) Invoke(ctx context.Context, function string, args []json.RawMessage) error {
	h, call, ok := r.Resolve(function)
	if !ok {
		return errors.Mark(errors.Wrapf(domain.ErrUnknownFunction, "%q", function), domain.ErrDispatch)
	}
	call.Args = args

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	err := invokeSafely(ctx, h, call)
	log.Debug().Str("function", function).Dur("took", time.Since(start)).Err(err).Msg("handler returned")
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "%s", function), domain.ErrDispatch)
	}
	return nil
}

func invokeSafely(ctx context.Context, h Handler, call Call) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Newf("handler panic: %v", p)
		}
	}()
	return h.Handle(ctx, call)
}

// Strings decodes every argument as a string.
func Strings(args []json.RawMessage) ([]string, error) {
	out := make([]string, 0, len(args))
	for i, a := range args {
		var s string
		if err := json.Unmarshal(a, &s); err != nil {
			return nil, errors.Wrapf(err, "argument %d is not a string", i)
		}
		out = append(out, s)
	}
	return out, nil
}
