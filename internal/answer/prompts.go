package answer

import "strings"

// systemInstruction frames every cloud request.
const systemInstruction = "You are a reading companion. Answer questions about books " +
	"briefly and concretely, in one or two sentences. If the question names a " +
	"character or place, say who or what it is without spoiling later plot."

// instantMaxLen bounds the trimmed instant view of a cloud answer.
const instantMaxLen = 200

// localPrompt flattens a query into the single-prompt shape local models
// take.
func localPrompt(q Query) string {
	var b strings.Builder
	b.WriteString(systemInstruction)
	b.WriteString("\n\n")
	if ct := contextTurn(q); ct != "" {
		b.WriteString(ct)
		b.WriteString("\n\n")
	}
	b.WriteString("Question: ")
	b.WriteString(q.Question)
	b.WriteString("\nAnswer:")
	return b.String()
}

// contextTurn describes what the reader is doing, or empty when unknown.
func contextTurn(q Query) string {
	var parts []string
	if !q.Book.IsZero() {
		part := "The reader is currently reading " + q.Book.Title
		if q.Book.Author != "" {
			part += " by " + q.Book.Author
		}
		parts = append(parts, part+".")
	}
	if q.RecentContext != "" {
		parts = append(parts, "Recent conversation:\n"+q.RecentContext)
	}
	return strings.Join(parts, "\n")
}

// trimForInstant shortens a full answer to its first sentence, bounded in
// length, for immediate display while the full text renders.
func trimForInstant(text string) string {
	trimmed := strings.TrimSpace(text)
	if i := strings.IndexAny(trimmed, ".!?"); i >= 0 && i+1 < len(trimmed) {
		trimmed = trimmed[:i+1]
	}
	if len(trimmed) > instantMaxLen {
		trimmed = trimmed[:instantMaxLen]
	}
	return trimmed
}
