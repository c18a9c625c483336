package collab

import "fmt"

// applyOperation splices a single change into content. Offsets are
// clamped to the document bounds so a slightly stale position never
// corrupts the text.
func applyOperation(content string, op Operation) (string, error) {
	if op.Length < 0 {
		return "", fmt.Errorf("%w: negative length %d", ErrInvalidOperation, op.Length)
	}

	runes := []rune(content)
	pos := clamp(op.Position, 0, len(runes))

	switch op.Type {
	case OpInsert:
		return string(runes[:pos]) + op.Content + string(runes[pos:]), nil
	case OpDelete:
		end := clamp(pos+op.Length, pos, len(runes))
		return string(runes[:pos]) + string(runes[end:]), nil
	case OpReplace:
		end := clamp(pos+op.Length, pos, len(runes))
		return string(runes[:pos]) + op.Content + string(runes[end:]), nil
	}
	return "", fmt.Errorf("%w: type %q", ErrInvalidOperation, op.Type)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
