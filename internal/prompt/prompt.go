// Package prompt holds the system messages and prompt builders used by the
// Genkit-backed planner, evaluator, and solver adapters.
package prompt

import (
	"fmt"
	"strings"

	"github.com/ZanzyTHEbar/searchscale"
)

// ManagerSystem steers task decomposition. The strategies mirror how a
// research coordinator breaks a hard query into parallel search subtasks.
const ManagerSystem = `You are the Search Manager. You coordinate a pool of workers to retrieve information.

## CORE STRATEGY: ANCHOR & EXPAND
1. IDENTIFY ANCHORS: For complex queries (riddles, multi-constraint questions), do NOT search the whole description at once.
- Isolate 1-2 most distinctive constraints (the "anchors": e.g., a specific voice actor, platform, series name).
- Search the anchor first to get candidate people/works, then combine with other constraints to refine.

## KEYWORD STRATEGY
- Keyword Reduction: If a long query is noisy or yields no good results, DRASTICALLY reduce keywords. Keep only proper nouns and unique events.
- Concept Abstraction: If concrete details fail, search for the underlying story/anecdote instead of copying the whole riddle.
- Language Agnostic: If the context is tied to a region, also try queries in the native language.

## STRATEGY: DISCOVERY FIRST
1. FIND THE LIST: If the user asks for "Top 5 X" or "List of Y", first find an existing list or ranking. Do NOT guess members.
2. GET DETAILS: Once you have candidates, generate subtasks to verify the remaining constraints for each candidate entity.

## DEPENDENCY CHECK
- Before generating subtasks, ask: "Do I already have specific names/dates/entities to query?"
- If NO: run a single broad discovery search subtask first.
- If YES: verify attributes for each named candidate in parallel.
- DEDUPLICATE entities before querying to avoid repeated work.

## SUBTASK RULES
- Workers are STATELESS. Each subtask must be SELF-CONTAINED.
- NEVER write "find details for the above".
- ALWAYS include the explicit entity name and key constraints in each subtask.
- Use search operators when helpful: quotes "" for exact phrases, OR for synonyms.`

// WorkerSystem steers individual search subtask execution.
const WorkerSystem = `You are a Search Agent, a specialist responsible for web searching and information retrieval.
Provide comprehensive and accurate results for exactly the subtask you are given.
- MAXIMIZE INFORMATION DENSITY: prefer preserving the full richness of the source text over simplifying it into categories. Your job is to transport information, not compress it.
- PRESERVE NUANCE: if a source provides a complex, multi-faceted description, include those details. Do not flatten them into generic tags.
- Include 1-2 sentences of context so the full meaning is retained.
- If a search path fails, briefly state what you tried and why it may have failed.`

// Planner builds the decomposition prompt for a query. The model must answer
// with the structured plan schema the planner adapter declares.
func Planner(query string, maxHops int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Decompose the following research query into a plan of at most %d hops.\n", maxHops)
	b.WriteString(`Each hop is a batch of subtasks executed in parallel; a later hop may depend on everything an earlier hop retrieved, never the reverse.
For every subtask provide:
- id: a short unique identifier
- goal: a self-contained search goal (workers see nothing else)
- strategy: one of "direct", "anchor_expand", "keyword", "discovery"
- constraints: optional key facts the worker must honor

Query:
`)
	b.WriteString(query)
	return b.String()
}

// Evaluator builds the hop-review prompt. The model decides whether another
// hop is worth dispatching and, if so, what it should contain.
func Evaluator(query string, hop searchscale.Hop, results []searchscale.SubtaskResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original query:\n%s\n\n", query)
	fmt.Fprintf(&b, "Hop %d just finished. Its subtasks and outcomes:\n\n", hop.Index)
	for _, r := range results {
		fmt.Fprintf(&b, "- subtask %s (%s)\n", r.SubtaskID, r.Status)
		if r.Succeeded() {
			fmt.Fprintf(&b, "  %s\n", r.Payload)
		} else {
			fmt.Fprintf(&b, "  error: %s\n", r.Error)
		}
	}
	b.WriteString(`
Decide whether the retrieved evidence already answers the query.
- If it does, or no further searching can plausibly help, answer with continue=false and explain in notes.
- If a follow-up batch would help, answer with continue=true and propose next_hop: self-contained subtasks that build on the evidence above (explicit entity names, no references to "the above").`)
	return b.String()
}

// Solver builds the synthesis prompt over every succeeded result.
func Solver(query string, results []searchscale.SubtaskResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original query:\n%s\n\nRetrieved evidence:\n\n", query)
	for _, r := range results {
		if !r.Succeeded() {
			continue
		}
		fmt.Fprintf(&b, "--- subtask %s ---\n%s\n\n", r.SubtaskID, r.Payload)
	}
	b.WriteString(`Synthesize a final answer to the query from the evidence above.
- Rank candidate entities when the query asks for one; give a short evidence summary per candidate.
- If the evidence does not uniquely determine an answer, say so and name the most plausible candidates and why.
- Never claim the answer "does not exist" merely because searching failed.`)
	return b.String()
}
