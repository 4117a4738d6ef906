package nodes

import (
	"context"
	"errors"
)

// Bundle runs a bundle workflow as a child execution and outputs the
// bundle's declared outputs.
func Bundle() Executor {
	return ExecutorFunc(func(ctx context.Context, in Input) (map[string]any, error) {
		bundleID, err := requireString(in, "bundleId")
		if err != nil {
			return nil, err
		}
		if in.Bundles == nil {
			return nil, errors.New("bundle execution is not available")
		}
		inputs := mapField(in.Config, "inputs")
		if inputs == nil {
			inputs = map[string]any{}
		}
		return in.Bundles.RunBundle(ctx, BundleRequest{
			TenantID:          in.TenantID,
			BundleID:          bundleID,
			ParentExecutionID: in.ExecutionID,
			Inputs:            inputs,
			Depth:             in.Depth + 1,
		})
	})
}
