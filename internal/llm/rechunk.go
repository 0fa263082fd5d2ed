package llm

import (
	"context"
	"iter"
	"time"
	"unicode"
	"unicode/utf8"

	xerrors "PolyChat/internal/errors"
)

// SplitWords cuts text into word sized fragments. Whitespace stays attached
// to the word before it, and leading whitespace to the first word, so the
// fragments always concatenate back to text.
func SplitWords(text string) []string {
	if text == "" {
		return nil
	}
	var fragments []string
	start := 0
	inSpace := false
	for i, r := range text {
		space := unicode.IsSpace(r)
		if inSpace && !space && i > 0 && hasWord(text[start:i]) {
			fragments = append(fragments, text[start:i])
			start = i
		}
		inSpace = space
	}
	return append(fragments, text[start:])
}

func hasWord(s string) bool {
	for len(s) > 0 {
		r, size := utf8.DecodeRuneInString(s)
		if !unicode.IsSpace(r) {
			return true
		}
		s = s[size:]
	}
	return false
}

// Rechunk replays text as word sized fragments with delay between them. The
// sequence stops with a CANCELLED error once ctx is done.
func Rechunk(ctx context.Context, text string, delay time.Duration) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		fragments := SplitWords(text)
		var timer *time.Timer
		if delay > 0 {
			timer = time.NewTimer(delay)
			timer.Stop()
			defer timer.Stop()
		}
		for i, fragment := range fragments {
			if i > 0 && timer != nil {
				timer.Reset(delay)
				select {
				case <-ctx.Done():
					yield("", xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), ""))
					return
				case <-timer.C:
				}
			}
			if ctx.Err() != nil {
				yield("", xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), ""))
				return
			}
			if !yield(fragment, nil) {
				return
			}
		}
	}
}
