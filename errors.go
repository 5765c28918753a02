package dtensor

import "github.com/pkg/errors"

// Sentinel errors of the redistribution engine. All are fatal: there are no
// retries at this layer, and errors propagate synchronously to the caller.
// Match them with errors.Is.
var (
	// ErrCrossMesh reports that the current and target specs reference different
	// DeviceMesh identities. There is no safe fallback: migrating a tensor
	// between topologies is unsupported.
	ErrCrossMesh = errors.New("cross-mesh redistribution not supported")

	// ErrUnsupportedTransition reports a (source, destination) placement pair
	// with no defined transform. It indicates a planning bug or an
	// unimplemented combination and is never silently ignored.
	ErrUnsupportedTransition = errors.New("unsupported placement transition")

	// ErrPlanInvariant reports that executing a non-empty plan produced no
	// result. It should be unreachable: it signals a logic error in the plan
	// generator.
	ErrPlanInvariant = errors.New("redistribute failed: plan produced no result")
)
