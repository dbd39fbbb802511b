package expressions

import (
	"encoding/json"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/cascadelab/cascade/pkg/schema"
)

// FilterEngine evaluates list-filter expressions supplied by API callers
// against per-row maps, e.g. `status == "running" && depth > 0`.
// Thread-safe: compiled *vm.Program objects are cached and reused across
// goroutines.
type FilterEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewFilterEngine creates a new FilterEngine.
func NewFilterEngine() *FilterEngine {
	return &FilterEngine{
		cache: make(map[string]*vm.Program),
	}
}

// Match evaluates the expression against one row. The row's fields are
// available as top-level variables; non-boolean results are rejected.
func (e *FilterEngine) Match(expression string, row map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return false, err
	}

	env := row
	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeInvalidArgument,
			"filter evaluation failed for %q: %s", expression, err.Error()).WithCause(err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeInvalidArgument,
			"filter %q did not evaluate to a boolean", expression)
	}
	return b, nil
}

// FilterRows marshals each item through JSON into a map and keeps those the
// expression matches. An empty expression keeps everything.
func FilterRows[T any](e *FilterEngine, expression string, items []T) ([]T, error) {
	if expression == "" {
		return items, nil
	}
	var kept []T
	for _, item := range items {
		row, err := toRow(item)
		if err != nil {
			return nil, err
		}
		ok, err := e.Match(expression, row)
		if err != nil {
			return nil, err
		}
		if ok {
			kept = append(kept, item)
		}
	}
	return kept, nil
}

func (e *FilterEngine) getOrCompile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidArgument,
			"invalid filter expression %q: %s", expression, err.Error()).WithCause(err)
	}
	e.cache[expression] = prg
	return prg, nil
}

func toRow(item any) (map[string]any, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return nil, err
	}
	var row map[string]any
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, err
	}
	return row, nil
}
