package rpc

import "context"

// AutoApproveFirstAllow selects the first allow_once/allow_always option, or
// the first option at all if none is an allow kind, or cancels if there are
// no options.
func AutoApproveFirstAllow(_ context.Context, params RequestPermissionParams) (RequestPermissionResult, error) {
	if len(params.Options) == 0 {
		return RequestPermissionResult{Outcome: PermissionOutcome{Outcome: "cancelled"}}, nil
	}

	selected := params.Options[0]
	for _, opt := range params.Options {
		if opt.Kind == "allow_once" || opt.Kind == "allow_always" {
			selected = opt
			break
		}
	}

	return RequestPermissionResult{
		Outcome: PermissionOutcome{Outcome: "selected", OptionID: selected.OptionID},
	}, nil
}
