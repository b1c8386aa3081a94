package llm

import "fmt"

// SummaryPrompt generates the prompt for compressing overflow search
// results into a short digest.
func SummaryPrompt(text string) string {
	return fmt.Sprintf(`You are a memory compression system. Summarize these memory records in under 120 words.

RECORDS:
%s

Rules:
- Keep concrete facts: names, dates, decisions, numbers
- Drop greetings, hedging, and restatements
- Write plain declarative sentences
- Return ONLY the summary text, no preamble`, text)
}

// IntentPrompt generates the prompt for classifying the kind of
// knowledge a memory record carries.
func IntentPrompt(text string) string {
	return fmt.Sprintf(`You are a memory classification system. Classify this memory record into exactly one kind.

RECORD:
%s

Kinds:
- episodic: a specific event that happened at a point in time
- semantic: a standing fact about the world, a person, or a project
- procedural: a technique, workflow, or how-to
- preference: a like, dislike, or configuration choice

Return ONLY the kind name, lowercase, no other text.`, text)
}

// EntityPrompt generates the prompt for extracting the named entities a
// memory record mentions.
func EntityPrompt(text string) string {
	return fmt.Sprintf(`You are an entity extraction system. List the distinct entities this memory record mentions.

RECORD:
%s

Entity kinds: person, project, tool, service, place, concept.

Rules:
- Maximum 8 entities
- Labels are short lowercase noun phrases (1-4 words)
- Skip generic words that name nothing specific
- If nothing qualifies, return: []
- Return ONLY a JSON array, no other text

Return a JSON array:
[{"label": "entity name", "kind": "person|project|tool|service|place|concept"}]`, text)
}
