package generation

import (
	"context"
	"strings"
)

// ErrorMarker prefixes answers that carry a generation failure instead of
// model output.
const ErrorMarker = "[ERROR]"

// MarkError renders err as a marked answer.
func MarkError(err error) string {
	if err == nil {
		return ErrorMarker
	}
	return ErrorMarker + " " + err.Error()
}

// HasErrorMarker reports whether s is a marked failure.
func HasErrorMarker(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), ErrorMarker)
}

// Safe wraps g so that failures are returned as marked text with a nil
// error. Safe(nil) is nil.
func Safe(g Generator) Generator {
	if g == nil {
		return nil
	}
	if _, ok := g.(safe); ok {
		return g
	}
	return safe{inner: g}
}

type safe struct {
	inner Generator
}

func (s safe) Generate(ctx context.Context, prompt string, maxTokens int) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text, err = ErrorMarker+" generator panicked", nil
		}
	}()
	out, err := s.inner.Generate(ctx, prompt, maxTokens)
	if err != nil {
		return MarkError(err), nil
	}
	return strings.TrimSpace(out), nil
}
