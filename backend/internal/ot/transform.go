package ot

import "fmt"

// Transform rewrites a so that it can be applied to a document on which
// b has already been applied. It is one-sided: the counterpart rewrite
// of b is Transform(b, a). For any two operations created against the
// same document S:
//
//	Apply(Apply(S, b), Transform(a, b)) == Apply(Apply(S, a), Transform(b, a))
func Transform(a, b Operation) (Operation, error) {
	if err := a.Validate(); err != nil {
		return Operation{}, fmt.Errorf("transform: %w", err)
	}
	if err := b.Validate(); err != nil {
		return Operation{}, fmt.Errorf("transform against: %w", err)
	}

	switch {
	case a.Kind == KindRetain || b.Kind == KindRetain:
		return a, nil
	case a.Kind == KindReplace:
		return transformReplace(a, b)
	case b.Kind == KindReplace:
		bDel, bIns := b.split()
		return transformPrimitive(transformPrimitive(a, bDel), bIns), nil
	}
	return transformPrimitive(a, b), nil
}

// TransformAgainst transforms op sequentially against every operation of
// history, oldest first.
func TransformAgainst(op Operation, history []Operation) (Operation, error) {
	transformed := op
	for i, h := range history {
		var err error
		transformed, err = Transform(transformed, h)
		if err != nil {
			return Operation{}, fmt.Errorf("transform against history[%d]: %w", i, err)
		}
	}
	return transformed, nil
}

// Swallowed reports whether the text original carried was dropped on the
// way to transformed, which happens when it landed strictly inside a
// concurrent delete.
func Swallowed(original, transformed Operation) bool {
	return original.Content != "" && transformed.Content == ""
}

// transformPrimitive handles insert, delete and retain on both sides.
func transformPrimitive(a, b Operation) Operation {
	switch a.Kind {
	case KindInsert:
		switch b.Kind {
		case KindInsert:
			return transformInsertInsert(a, b)
		case KindDelete:
			return transformInsertDelete(a, b)
		}
	case KindDelete:
		switch b.Kind {
		case KindInsert:
			return transformDeleteInsert(a, b)
		case KindDelete:
			return transformDeleteDelete(a, b)
		}
	}
	return a
}

// transformInsertInsert shifts a when b landed before it. On the same
// position the op that precedes in the tie order keeps its place.
func transformInsertInsert(a, b Operation) Operation {
	if b.Position < a.Position || (b.Position == a.Position && b.precedes(a)) {
		a.Position += b.ContentLen()
	}
	return a
}

// transformInsertDelete moves an insert across a delete. An insert whose
// position lies strictly inside the deleted span is clamped to the start
// of the span and swallowed: the counterpart delete (see
// transformDeleteInsert) grows to cover the inserted text.
func transformInsertDelete(a, b Operation) Operation {
	switch {
	case b.Position+b.Length <= a.Position:
		a.Position -= b.Length
	case b.Position < a.Position:
		return swallow(a, b.Position)
	}
	return a
}

func transformDeleteInsert(a, b Operation) Operation {
	n := b.ContentLen()
	switch {
	case b.Position <= a.Position:
		a.Position += n
	case b.Position < a.Position+a.Length:
		a.Length += n
	}
	return a
}

// transformDeleteDelete removes from a whatever b already deleted.
func transformDeleteDelete(a, b Operation) Operation {
	aEnd := a.Position + a.Length
	bEnd := b.Position + b.Length

	switch {
	case bEnd <= a.Position:
		// b entirely before a
		a.Position -= b.Length
	case b.Position >= aEnd:
		// b entirely after a
	case b.Position <= a.Position:
		// overlap, b starts at or before a: keep the tail past b
		a.Length = max(aEnd-bEnd, 0)
		a.Position = b.Position
	default:
		// overlap, b starts inside a
		overlap := min(aEnd, bEnd) - b.Position
		a.Length = max(a.Length-overlap, 0)
	}
	return a
}

// transformReplace treats a as a delete followed by an insert at the same
// position, transforms the two halves in sequence against b and puts
// them back together.
func transformReplace(a, b Operation) (Operation, error) {
	del, ins := a.split()

	bParts := []Operation{b}
	if b.Kind == KindReplace {
		bDel, bIns := b.split()
		bParts = []Operation{bDel, bIns}
	}

	for _, part := range bParts {
		// part as seen after the delete half of a
		partAfterDel := transformPrimitive(part, del)
		del = transformPrimitive(del, part)
		ins = transformPrimitive(ins, partAfterDel)
	}

	out := a
	out.Position = del.Position
	out.Length = del.Length

	switch {
	case ins.Kind == KindRetain:
		// the replacement text fell inside a range b deleted
		out.Content = ""
		out.Kind = KindDelete
		if del.Length == 0 {
			return swallow(out, del.Position), nil
		}
		return out, nil

	case ins.Position == del.Position:
		return out, nil

	case ins.Position < del.Position:
		// a won a tie: its text goes ahead of what b inserted at the same
		// spot, so the replacement rewrites b's text after its own.
		between, err := concurrentText(b, del.Position-ins.Position)
		if err != nil {
			return Operation{}, err
		}
		out.Position = ins.Position
		out.Length = del.Length + (del.Position - ins.Position)
		out.Content = a.Content + between
		return out, nil

	default:
		// b won the tie: b's text sits right after the deleted range and
		// the replacement text follows it.
		between, err := concurrentText(b, ins.Position-del.Position)
		if err != nil {
			return Operation{}, err
		}
		out.Length = del.Length + (ins.Position - del.Position)
		out.Content = between + a.Content
		return out, nil
	}
}

// concurrentText returns the text b inserted, which is the only thing
// that can separate the two halves of a transformed replace.
func concurrentText(b Operation, gap int) (string, error) {
	if b.Kind != KindInsert && b.Kind != KindReplace {
		return "", fmt.Errorf("transform replace: %d character gap against %s", gap, b.Kind)
	}
	if b.ContentLen() != gap {
		return "", fmt.Errorf("transform replace: gap %d does not match %d inserted characters", gap, b.ContentLen())
	}
	return b.Content, nil
}

// split decomposes a replace into its delete and insert halves. Both keep
// the identity of the replace so ties resolve the same way.
func (op Operation) split() (Operation, Operation) {
	del := op
	del.Kind = KindDelete
	del.Content = ""

	ins := op
	ins.Kind = KindInsert
	ins.Length = op.ContentLen()
	return del, ins
}

func swallow(op Operation, position int) Operation {
	op.Kind = KindRetain
	op.Position = position
	op.Content = ""
	op.Length = 0
	return op
}
