package render

import (
	"fmt"
	"strings"
)

// Policy controls the tone constraints written into every prompt.
type Policy struct {
	FamilySafe        bool
	AllowSlang        bool
	AllowCatchphrases bool
}

func DefaultPolicy() Policy {
	return Policy{FamilySafe: true, AllowSlang: false, AllowCatchphrases: true}
}

// BuildPrompt produces the single instruction sent to a text backend.
func BuildPrompt(persona, label string, p Policy) string {
	persona = strings.TrimSpace(persona)
	if persona == "" {
		persona = "a friendly assistant"
	}
	task := normalizeLabel(label)
	if task == "" {
		task = "their reminder"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s. Stay fully in character.\n", persona)
	fmt.Fprintf(&b, "Write a short reminder telling someone to: %s.\n", task)

	if p.FamilySafe {
		b.WriteString("Tone: warm and family-safe. No profanity, innuendo or insults.\n")
	} else {
		b.WriteString("Tone: relaxed and playful. Mild attitude is fine; no slurs or hate.\n")
	}
	if p.AllowSlang {
		b.WriteString("Casual slang is allowed when it fits the character.\n")
	} else {
		b.WriteString("Use plain words, no slang.\n")
	}
	if p.AllowCatchphrases {
		b.WriteString("You may use one signature catchphrase of the character if it fits naturally.\n")
	} else {
		b.WriteString("Do not use catchphrases.\n")
	}

	b.WriteString("Rules:\n")
	b.WriteString("- Exactly one sentence, at most 30 words.\n")
	b.WriteString("- Do not address anyone by name and do not sign the message.\n")
	b.WriteString("- No emoji, hashtags, quotes or markdown.\n")
	b.WriteString("- Output only the sentence.\n")
	return b.String()
}
