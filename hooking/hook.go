// Package hooking lets observers such as tracers and metrics collectors watch
// codes move through the daemon without the daemon knowing about them.
package hooking

import (
	"fmt"
	"sync"
)

// HookPos names a place in the life of a code where hooks are invoked.
type HookPos struct {
	Name string
}

// HookCtx describes one invocation. Item is usually the *code.Code and Detail
// depends on the position.
type HookCtx struct {
	Domain Hookable
	Pos    *HookPos
	Item   any
	Detail any
}

// Hookable is implemented by components that invoke hooks.
type Hookable interface {
	// AcceptHook registers a hook.
	AcceptHook(hook Hook)

	// NumHooks returns the number of hooks registered.
	NumHooks() int

	// Hooks returns all the hooks registered.
	Hooks() []Hook
}

// Hook is invoked on the goroutine that reached the position, so it must be
// quick and must not call back into the domain.
type Hook interface {
	Func(ctx HookCtx)
}

type posHook struct {
	pos *HookPos
	f   func(ctx HookCtx)
}

func (h *posHook) Func(ctx HookCtx) {
	if ctx.Pos == h.pos {
		h.f(ctx)
	}
}

// At returns a hook that calls f only at pos.
func At(pos *HookPos, f func(ctx HookCtx)) Hook {
	return &posHook{pos: pos, f: f}
}

// HookableBase implements Hookable. Hooks may be added while other goroutines
// invoke them; an invocation sees the hooks registered when it started.
type HookableBase struct {
	mu    sync.RWMutex
	hooks []Hook
}

// NumHooks returns the number of hooks registered.
func (h *HookableBase) NumHooks() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.hooks)
}

// Hooks returns a copy of the hooks registered.
func (h *HookableBase) Hooks() []Hook {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return append([]Hook(nil), h.hooks...)
}

// AcceptHook registers a hook. Registering the same hook twice panics.
func (h *HookableBase) AcceptHook(hook Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, registered := range h.hooks {
		if registered == hook {
			panic(fmt.Sprintf("hook %T registered twice", hook))
		}
	}

	hooks := make([]Hook, len(h.hooks), len(h.hooks)+1)
	copy(hooks, h.hooks)
	h.hooks = append(hooks, hook)
}

// InvokeHook calls every hook in registration order.
func (h *HookableBase) InvokeHook(ctx HookCtx) {
	h.mu.RLock()
	hooks := h.hooks
	h.mu.RUnlock()

	for _, hook := range hooks {
		hook.Func(ctx)
	}
}
