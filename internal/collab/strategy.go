package collab

import "fmt"

// Strategy names.
const (
	StrategyLastWriteWins = "last_write_wins"
	StrategyTransform     = "transform"
)

// Strategy reconciles an incoming operation against operations the
// server accepted after the author's base version. The returned
// operation is what the engine actually applies.
type Strategy interface {
	Name() string
	Resolve(op Operation, concurrent []Operation) Operation
}

// NewStrategy returns the strategy registered under name.
func NewStrategy(name string) (Strategy, error) {
	switch name {
	case StrategyLastWriteWins, "":
		return lastWriteWins{}, nil
	case StrategyTransform:
		return transform{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
}

// lastWriteWins applies operations in arrival order as-is. Later
// arrivals win regardless of the version the author saw.
type lastWriteWins struct{}

func (lastWriteWins) Name() string { return StrategyLastWriteWins }

func (lastWriteWins) Resolve(op Operation, _ []Operation) Operation {
	return op
}

// transform rebases the incoming operation over every concurrent
// operation so that its position still points at the text the author
// intended.
type transform struct{}

func (transform) Name() string { return StrategyTransform }

func (transform) Resolve(op Operation, concurrent []Operation) Operation {
	for _, prior := range concurrent {
		op = rebase(op, prior)
	}
	return op
}

// rebase shifts op's span to account for a prior operation that was
// accepted first.
func rebase(op, prior Operation) Operation {
	switch prior.Type {
	case OpInsert:
		shift := len([]rune(prior.Content))
		if prior.Position <= op.Position {
			op.Position += shift
		}
	case OpDelete:
		op.Position -= overlapShift(op.Position, prior.Position, prior.Length)
	case OpReplace:
		shift := len([]rune(prior.Content)) - prior.Length
		if prior.Position+prior.Length <= op.Position {
			op.Position += shift
		} else if prior.Position < op.Position {
			// Inside the replaced span: land at its end.
			op.Position = prior.Position + len([]rune(prior.Content))
		}
	}
	if op.Position < 0 {
		op.Position = 0
	}
	return op
}

// overlapShift computes how far a position moves left after a prior
// deletion of length n at delPos.
func overlapShift(pos, delPos, n int) int {
	if pos <= delPos {
		return 0
	}
	if pos >= delPos+n {
		return n
	}
	return pos - delPos
}
