package nodes

import "context"

// Trigger passes the trigger payload through as the node's output.
// Used for INITIAL, MANUAL_TRIGGER and WEBHOOK_TRIGGER.
func Trigger() Executor {
	return ExecutorFunc(func(_ context.Context, in Input) (map[string]any, error) {
		return copyMap(in.Trigger), nil
	})
}

// BundleInput exposes the inputs a bundle was called with. When the node
// declares an "inputs" list, every declared input must be present and only
// those are exposed.
func BundleInput() Executor {
	return ExecutorFunc(func(_ context.Context, in Input) (map[string]any, error) {
		declared := stringList(in.Config["inputs"])
		if len(declared) == 0 {
			return copyMap(in.Trigger), nil
		}
		out := make(map[string]any, len(declared))
		for _, name := range declared {
			v, ok := in.Trigger[name]
			if !ok {
				return nil, configError(in, "inputs", "bundle input %q was not provided", name)
			}
			out[name] = v
		}
		return out, nil
	})
}

// BundleOutput declares bundle outputs: {values: {name: template}}.
// The engine merges the outputs of every BUNDLE_OUTPUT node that ran into
// the bundle's result.
func BundleOutput() Executor {
	return ExecutorFunc(func(_ context.Context, in Input) (map[string]any, error) {
		values := mapField(in.Config, "values")
		if values == nil {
			return map[string]any{}, nil
		}
		return copyMap(values), nil
	})
}
