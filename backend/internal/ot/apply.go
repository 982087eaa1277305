package ot

// Apply performs the string splice described by op and returns the new
// document. The document itself is never modified on error.
func Apply(doc string, op Operation) (string, error) {
	runes := []rune(doc)
	if err := op.ValidateAgainst(len(runes)); err != nil {
		return "", err
	}

	switch op.Kind {
	case KindInsert:
		return splice(runes, op.Position, 0, op.Content), nil
	case KindDelete:
		return splice(runes, op.Position, op.Length, ""), nil
	case KindReplace:
		return splice(runes, op.Position, op.Length, op.Content), nil
	case KindRetain:
		return doc, nil
	}
	return "", invalidf("kind", "unknown operation kind %d", uint8(op.Kind))
}

// ApplyAll applies a sequence of operations to a document in order.
func ApplyAll(doc string, ops []Operation) (string, error) {
	result := doc
	for i, op := range ops {
		next, err := Apply(result, op)
		if err != nil {
			return "", invalidf("operations", "operation %d: %v", i, err)
		}
		result = next
	}
	return result, nil
}

func splice(runes []rune, pos, removed int, content string) string {
	out := make([]rune, 0, len(runes)-removed+len(content))
	out = append(out, runes[:pos]...)
	out = append(out, []rune(content)...)
	out = append(out, runes[pos+removed:]...)
	return string(out)
}
