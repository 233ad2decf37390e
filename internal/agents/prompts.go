package agents

import (
	"fmt"
	"strings"

	"github.com/manthysbr/ticketflow/internal/core/domain"
)

const classifierSystemPrompt = `You triage customer support tickets for an issue tracking product.
Pick exactly one category:
- SIMPLE: login, password reset, two-factor or account access problems.
- COMPLEX: permissions, roles, workflow, custom fields, automation or any configuration change.
- GENERAL: everything else.
Answer with JSON only: {"category": "...", "confidence": 0.0-1.0, "reasoning": "...", "key_indicators": ["..."]}`

const evaluatorSystemPrompt = `You review support responses before they are sent to customers.
Score each criterion from 0 to 100: relevance, completeness, tone, actionability, accuracy.
Answer with JSON only:
{"score": 0-100, "criteria": {"relevance": 0, "completeness": 0, "tone": 0, "actionability": 0, "accuracy": 0},
 "feedback": "...", "improvement_suggestions": ["..."], "requires_improvement": true|false}`

const summarizerSystemPrompt = `You compress support conversation history for later reuse.
Answer with JSON only: {"summary": "...", "keyDetails": ["..."], "unresolvedIssues": ["..."], "decisions": ["..."]}`

var handlerSystemPrompts = map[HandlerKind]string{
	HandlerLogin: `You are a support agent specialised in sign-in problems: password resets, two-factor authentication and locked accounts.
Write a friendly response with numbered steps the customer can follow right away.`,
	HandlerComplex: `You are a senior support engineer for project configuration: permission schemes, roles, workflows and custom fields.
Explain the likely cause, then give numbered steps, and say which steps need an administrator.`,
	HandlerGeneral: `You are a helpful support agent. Answer the customer's question clearly and point to next steps.`,
}

func requestBlock(req domain.IssueRequest) string {
	return fmt.Sprintf("Issue type: %s\nReporter: %s\nSummary: %s\n\nDescription:\n%s",
		req.IssueType, req.Reporter, req.Summary, req.Comment)
}

func handlerUserPrompt(state domain.WorkflowState) string {
	var b strings.Builder
	if state.HistoricalContext.HasHistory {
		b.WriteString(state.HistoricalContext.FormattedContext)
		b.WriteString("\n\n")
	}
	b.WriteString("## Current Request\n")
	b.WriteString(requestBlock(state.OriginalRequest))

	if qa := state.QualityAssessment; qa != nil && state.CurrentResponse != "" {
		b.WriteString("\n\n## Previous Draft\n")
		b.WriteString(state.CurrentResponse)
		fmt.Fprintf(&b, "\n\n## Reviewer Feedback (score %.0f/100)\n%s\n", qa.Score, qa.Feedback)
		for _, s := range qa.ImprovementSuggestions {
			fmt.Fprintf(&b, "- %s\n", s)
		}
		b.WriteString("\nRewrite the draft so it addresses every point above.")
	}
	return b.String()
}

func evaluatorUserPrompt(state domain.WorkflowState) string {
	var b strings.Builder
	b.WriteString("## Request\n")
	b.WriteString(requestBlock(state.OriginalRequest))
	if c := state.Classification; c != nil {
		fmt.Fprintf(&b, "\n\nCategory: %s", c.Category)
	}
	b.WriteString("\n\n## Response\n")
	b.WriteString(state.CurrentResponse)
	return b.String()
}

func summarizerUserPrompt(turns []domain.ConversationTurn) string {
	var b strings.Builder
	b.WriteString("Summarize this conversation history:\n\n")
	for i, t := range turns {
		fmt.Fprintf(&b, "### Turn %d (%s)\n", i+1, t.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
		if t.Classification != "" {
			fmt.Fprintf(&b, "Classification: %s\n", t.Classification)
		}
		fmt.Fprintf(&b, "User: %s\nAgent: %s\n\n", t.UserQuestion, t.AgentResponse)
	}
	return b.String()
}
