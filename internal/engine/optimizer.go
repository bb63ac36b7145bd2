package engine

import "fmt"

// Strategy names an optimization applied to a plan.
type Strategy string

const (
	StrategyIncreaseParallelism Strategy = "increase_parallelism"
	StrategyReduceBatchSize     Strategy = "reduce_batch_size"
	StrategyReorderPhases       Strategy = "reorder_phases"
)

// Nodes estimated above this row count get their estimate halved.
// A heuristic cap, not real paging.
const oversizedEstimate = 5000

// Optimize mutates execution hints on the plan in place and returns the
// strategies applied, in application order. The list is an application log:
// one entry per node a strategy touched, repeats included.
// Node identity, parent links, and depth are never altered.
func Optimize(plan *Plan) []Strategy {
	var applied []Strategy

	for _, phase := range plan.Phases {
		for _, id := range phase {
			node := plan.Nodes[id]

			// Unconstrained nodes run concurrently with phase siblings.
			// Constrained nodes stay serialized: the executor does not
			// model their ordering sensitivity.
			if !node.IsConstrained() && !node.ParallelSafe {
				node.ParallelSafe = true
				applied = append(applied, StrategyIncreaseParallelism)
			}

			if node.EstimatedRows > oversizedEstimate {
				node.EstimatedRows /= 2
				applied = append(applied, StrategyReduceBatchSize)
			}
		}
	}

	plan.Phases = ComputePhases(plan.Nodes)
	applied = append(applied, StrategyReorderPhases)

	return applied
}

// ApplyStrategy applies exactly one named strategy, for callers that want
// explicit control instead of the full heuristic pass.
func ApplyStrategy(plan *Plan, strategy Strategy) ([]Strategy, error) {
	var applied []Strategy

	switch strategy {
	case StrategyIncreaseParallelism:
		for _, phase := range plan.Phases {
			for _, id := range phase {
				node := plan.Nodes[id]
				if !node.IsConstrained() && !node.ParallelSafe {
					node.ParallelSafe = true
					applied = append(applied, StrategyIncreaseParallelism)
				}
			}
		}
	case StrategyReduceBatchSize:
		for _, phase := range plan.Phases {
			for _, id := range phase {
				node := plan.Nodes[id]
				if node.EstimatedRows > oversizedEstimate {
					node.EstimatedRows /= 2
					applied = append(applied, StrategyReduceBatchSize)
				}
			}
		}
	case StrategyReorderPhases:
		plan.Phases = ComputePhases(plan.Nodes)
		applied = append(applied, StrategyReorderPhases)
	default:
		return nil, NewAppError("UNKNOWN_STRATEGY", 400, fmt.Sprintf("Unknown optimization strategy: %s", strategy))
	}

	return applied, nil
}
