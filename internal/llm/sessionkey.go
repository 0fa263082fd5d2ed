package llm

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// SessionKey derives the stable identity presented to providers for one
// conversation and model pair.
func SessionKey(conversationID, model string) string {
	digest := xxhash.New()
	_, _ = digest.WriteString(conversationID)
	_, _ = digest.WriteString("\x00")
	_, _ = digest.WriteString(model)
	return strconv.FormatUint(digest.Sum64(), 16)
}
