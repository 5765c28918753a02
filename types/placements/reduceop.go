package placements

import "fmt"

// ReduceOp is the commutative/associative operation pending on a Partial placement,
// and the operation applied by all-reduce collectives.
type ReduceOp int

const (
	// ReduceSum adds contributions elementwise. It is the default (zero value).
	ReduceSum ReduceOp = iota
	ReduceProduct
	ReduceMax
	ReduceMin
)

var reduceOpNames = [...]string{"sum", "product", "max", "min"}

// String implements fmt.Stringer.
func (op ReduceOp) String() string {
	if op < 0 || int(op) >= len(reduceOpNames) {
		return fmt.Sprintf("ReduceOp(%d)", int(op))
	}
	return reduceOpNames[op]
}

// Valid returns whether op is one of the defined reduce operations.
func (op ReduceOp) Valid() bool {
	return op >= ReduceSum && op <= ReduceMin
}
