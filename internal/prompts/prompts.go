// Package prompts holds the default prompt templates the engine sends to the
// model provider. Every template can be replaced through configuration; the
// engine renders them with Render and the named placeholders below.
package prompts

import "strings"

// Placeholder names used across templates. Render substitutes {{name}}.
const (
	VarInput      = "input"
	VarQuery      = "query"
	VarFacts      = "facts"
	VarCandidates = "candidates"
	VarExisting   = "existing"
	VarUserID     = "user_id"
	VarProfile    = "profile"
)

const FactExtraction = `You are a personal information organizer. Extract salient, self-contained facts from the conversation below. Keep each fact short, in the same language as the input, and free of pronoun ambiguity.

Return a JSON object of the form {"facts": ["fact 1", "fact 2", ...]}.

Rules:
- Extract preferences, plans, personal details, and stated opinions.
- Skip greetings, filler, and anything already implied by another fact.
- If there is nothing worth remembering, return {"facts": []}.

Conversation:
{{input}}`

const UpdateMemory = `You are a memory manager. You receive newly extracted facts and the closest existing memories. Decide, for each fact, how the memory set should change.

Existing memories (id and text):
{{candidates}}

New facts:
{{facts}}

Return a JSON object {"memory": [{"event": "...", "id": "...", "text": "...", "old_memory": "..."}]} where event is one of:
- "ADD": the fact is new; omit id, set text.
- "UPDATE": the fact refines an existing memory; set id to that memory's id, text to the merged content, old_memory to the previous text.
- "DELETE": the fact contradicts an existing memory; set id.
- "NONE": the fact is already covered; set id.

Only reference ids from the existing list. Do not invent ids.`

const ImportanceEvaluation = `Rate how important the following memory is to retain long-term for this user, on a scale from 0.0 to 1.0. Consider relevance to identity and preferences, likely future usefulness, specificity, and emotional significance.

Memory:
{{input}}

Return a JSON object {"score": 0.0, "criteria": {"relevance": 0.0, "usefulness": 0.0, "specificity": 0.0, "significance": 0.0}}.`

const ExtractRelations = `Extract entity relations from the text as (source, relation, target) triples. Use short lowercase entity names and snake_case relation names. Refer to the speaker as USER_ID.

Text:
{{input}}

Return a JSON object {"entities": [{"source": "...", "relation": "...", "target": "..."}]}.
Return {"entities": []} if there are no clear relations.`

const UpdateGraph = `You maintain a relation graph. A new relation conflicts with existing relations between the same entities. Decide which existing relations the new one supersedes.

Existing relations:
{{existing}}

New relation:
{{input}}

Return a JSON object {"superseded": ["relation_name", ...]} listing the existing relation names that the new relation replaces. Return {"superseded": []} to keep all.`

const DeleteRelations = `Given the text below, identify relations in the graph that it invalidates. Refer to the speaker as USER_ID.

Known relations:
{{existing}}

Text:
{{input}}

Return a JSON object {"delete": [{"source": "...", "relation": "...", "target": "..."}]}.`

const ProfileSummary = `Summarize what is known about the user as a short third-person profile (at most 500 tokens) plus a list of topics. Base it only on the memories below; do not speculate.

Current profile:
{{profile}}

Memories:
{{facts}}

Return a JSON object {"profile": "...", "topics": ["...", ...]}.`

// Set is the full template set with config overrides applied. Zero-value
// fields fall back to the defaults.
type Set struct {
	FactExtraction       string
	UpdateMemory         string
	ImportanceEvaluation string
	ExtractRelations     string
	UpdateGraph          string
	DeleteRelations      string
	ProfileSummary       string
}

func Defaults() Set {
	return Set{
		FactExtraction:       FactExtraction,
		UpdateMemory:         UpdateMemory,
		ImportanceEvaluation: ImportanceEvaluation,
		ExtractRelations:     ExtractRelations,
		UpdateGraph:          UpdateGraph,
		DeleteRelations:      DeleteRelations,
		ProfileSummary:       ProfileSummary,
	}
}

// Merge overlays non-empty overrides onto the defaults.
func Merge(overrides Set) Set {
	out := Defaults()
	if strings.TrimSpace(overrides.FactExtraction) != "" {
		out.FactExtraction = overrides.FactExtraction
	}
	if strings.TrimSpace(overrides.UpdateMemory) != "" {
		out.UpdateMemory = overrides.UpdateMemory
	}
	if strings.TrimSpace(overrides.ImportanceEvaluation) != "" {
		out.ImportanceEvaluation = overrides.ImportanceEvaluation
	}
	if strings.TrimSpace(overrides.ExtractRelations) != "" {
		out.ExtractRelations = overrides.ExtractRelations
	}
	if strings.TrimSpace(overrides.UpdateGraph) != "" {
		out.UpdateGraph = overrides.UpdateGraph
	}
	if strings.TrimSpace(overrides.DeleteRelations) != "" {
		out.DeleteRelations = overrides.DeleteRelations
	}
	if strings.TrimSpace(overrides.ProfileSummary) != "" {
		out.ProfileSummary = overrides.ProfileSummary
	}
	return out
}

// Render substitutes {{name}} placeholders. Unknown placeholders are left
// as-is so a custom template with literal braces still renders.
func Render(template string, vars map[string]string) string {
	out := template
	for name, value := range vars {
		out = strings.ReplaceAll(out, "{{"+name+"}}", value)
	}
	return out
}
