package bridge

import "strings"

// Persona bundles a voice with behavioural instructions. Selected at session
// creation; the pair is forwarded to the voice service in session.update.
type Persona struct {
	Name         string `json:"name"`
	Voice        string `json:"voice"`
	Instructions string `json:"instructions"`
}

var personas = map[string]Persona{
	"elena": {
		Name:         "elena",
		Voice:        "alloy",
		Instructions: "You are Elena, a warm and concise assistant. Keep spoken answers short; offer detail only when asked.",
	},
	"marco": {
		Name:         "marco",
		Voice:        "verse",
		Instructions: "You are Marco, an upbeat and practical assistant. Confirm actions before using tools that change things.",
	},
	"sage": {
		Name:         "sage",
		Voice:        "sage",
		Instructions: "You are Sage, a calm and deliberate assistant. Think aloud briefly, then answer.",
	},
}

// LookupPersona resolves a persona by name, case-insensitive.
func LookupPersona(name string) (Persona, bool) {
	p, ok := personas[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// PersonaNames lists the available personas.
func PersonaNames() []string {
	names := make([]string, 0, len(personas))
	for name := range personas {
		names = append(names, name)
	}
	return names
}
