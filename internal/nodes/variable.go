package nodes

import "context"

// SetVariable outputs its resolved {values: {...}} map.
func SetVariable() Executor {
	return ExecutorFunc(func(_ context.Context, in Input) (map[string]any, error) {
		values := mapField(in.Config, "values")
		if values == nil {
			return nil, configError(in, "values", "must be an object")
		}
		return copyMap(values), nil
	})
}
