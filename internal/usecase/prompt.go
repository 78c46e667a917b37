package usecase

import (
	"fmt"
	"strings"

	"docchat/internal/domain"
)

const (
	rewriteHistoryEntries = 4
	rewriteEntryMaxRunes  = 200
)

func buildRewritePrompt(query string, history []domain.Message) string {
	recent := history
	if len(recent) > rewriteHistoryEntries {
		recent = recent[len(recent)-rewriteHistoryEntries:]
	}
	lines := make([]string, 0, len(recent))
	for _, m := range recent {
		content, _ := domain.Truncate(strings.TrimSpace(m.Content), rewriteEntryMaxRunes)
		lines = append(lines, roleLabel(m.Role)+": "+content)
	}

	return strings.Join([]string{
		"Given the conversation below and a follow-up question, rewrite the follow-up question",
		"as a standalone question that can be understood without the conversation.",
		"Resolve pronouns and references using the conversation.",
		"If the question is already standalone, return it unchanged.",
		"Return only the question, with no preamble or explanation.",
		"",
		"Conversation:",
		strings.Join(lines, "\n"),
		"",
		"Follow-up question: " + query,
		"",
		"Standalone question:",
	}, "\n")
}

func buildAnswerPrompt(query string, candidates []domain.Candidate, history []domain.Message) string {
	contextBlock := buildContextBlock(candidates)
	if len(history) == 0 {
		return strings.Join([]string{
			"You are a helpful assistant that answers questions based on the provided context from a document.",
			"",
			"Context from the document:",
			contextBlock,
			"",
			"Question: " + query,
			"",
			"Instructions:",
			answerRules(),
			"",
			"Answer:",
		}, "\n")
	}

	turns := make([]string, 0, len(history))
	for _, m := range history {
		turns = append(turns, roleLabel(m.Role)+": "+strings.TrimSpace(m.Content))
	}
	return strings.Join([]string{
		"You are a helpful assistant that answers questions based on the provided context from a document.",
		"You are in an ongoing conversation with the user.",
		"",
		"Conversation history:",
		strings.Join(turns, "\n"),
		"",
		"Context from the document:",
		contextBlock,
		"",
		"Question: " + query,
		"",
		"Instructions:",
		"- Use the conversation history only to understand references such as pronouns or \"the second point\"",
		answerRules(),
		"",
		"Answer:",
	}, "\n")
}

func buildContextBlock(candidates []domain.Candidate) string {
	blocks := make([]string, 0, len(candidates))
	for i, c := range candidates {
		blocks = append(blocks, fmt.Sprintf("[Source %d]:\n%s", i+1, c.Content))
	}
	return strings.Join(blocks, "\n\n")
}

func answerRules() string {
	return strings.Join([]string{
		"- Answer the question based ONLY on the information provided in the context above",
		"- If the answer is not in the context, say \"I cannot find this information in the document\"",
		"- Be concise and specific",
		"- If relevant, mention which source section supports your answer",
	}, "\n")
}

func roleLabel(r domain.Role) string {
	if r == domain.RoleAssistant {
		return "Assistant"
	}
	return "Human"
}
