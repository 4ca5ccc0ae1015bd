package generation

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/pdfrag/internal/vectorstore"
)

// FallbackPhrase is what the model is told to answer when the context does
// not contain the answer.
const FallbackPhrase = "I don't know based on the given context."

// BuildPrompt renders the grounded-answer prompt. Hits are numbered from 1
// in the order given and separated by a blank line.
func BuildPrompt(query string, hits []vectorstore.Hit) string {
	var b strings.Builder
	b.WriteString("You are a helpful assistant. Answer ONLY using the provided context.\n")
	b.WriteString("If the answer is not present, reply: '" + FallbackPhrase + "'\n\n")
	b.WriteString("Context:\n")
	for i, h := range hits {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] %s", i+1, h.Text)
	}
	b.WriteString("\n\nQuestion: ")
	b.WriteString(query)
	b.WriteString("\nAnswer:")
	return b.String()
}
