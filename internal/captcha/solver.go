// Package captcha reads the short alphanumeric CAPTCHA shown on the portal
// login page. Solving is best effort: a Solver never fails, it returns an
// empty string when it has no usable guess.
package captcha

import "context"

type Solver interface {
	Solve(ctx context.Context, image []byte) string
}

// SolverFunc adapts a plain function to Solver.
type SolverFunc func(ctx context.Context, image []byte) string

func (f SolverFunc) Solve(ctx context.Context, image []byte) string { return f(ctx, image) }
