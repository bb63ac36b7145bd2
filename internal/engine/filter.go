package engine

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// CompileFilter compiles a relation filter expression. The expression sees
// the candidate row as "record" and must evaluate to a boolean; rows it
// rejects are dropped before attachment.
func CompileFilter(expression string) (*vm.Program, error) {
	prog, err := expr.Compile(expression, expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile filter: %w", err)
	}
	return prog, nil
}

// filterCache holds compiled filter programs keyed by expression source.
// Compilation is pure, so the cache is safe to share across executions.
type filterCache struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

func newFilterCache() *filterCache {
	return &filterCache{programs: make(map[string]*vm.Program)}
}

func (fc *filterCache) get(expression string) (*vm.Program, error) {
	fc.mu.RLock()
	prog, ok := fc.programs[expression]
	fc.mu.RUnlock()
	if ok {
		return prog, nil
	}

	prog, err := CompileFilter(expression)
	if err != nil {
		return nil, err
	}

	fc.mu.Lock()
	fc.programs[expression] = prog
	fc.mu.Unlock()
	return prog, nil
}

// FilterRows keeps the rows for which the compiled expression is true.
func FilterRows(prog *vm.Program, rows []map[string]any) ([]map[string]any, error) {
	if prog == nil {
		return rows, nil
	}
	kept := rows[:0:0]
	for _, row := range rows {
		result, err := expr.Run(prog, map[string]any{"record": row})
		if err != nil {
			return nil, fmt.Errorf("filter evaluation: %w", err)
		}
		if keep, ok := result.(bool); ok && keep {
			kept = append(kept, row)
		}
	}
	return kept, nil
}
