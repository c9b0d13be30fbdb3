package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentoven/dispatcher/internal/store"
	"github.com/agentoven/dispatcher/pkg/models"
)

// Summary thresholds. A summary is due when the unsummarized history is
// large enough, enough conversations happened, the last summary is old
// enough and nobody holds the lock.
const (
	ContextCharThreshold       = 8000
	ContextCountThreshold      = 5
	MinSummaryInterval         = 300 * time.Second
	MinConversationsForSummary = 3
)

// UserContext loads the user's summary, rules and the requests made since
// the last summary, and decides whether a new summary is due.
func (p *Pipeline) UserContext(ctx context.Context, userID string) (*models.UserContext, error) {
	uc := &models.UserContext{UserID: userID}

	var lastSummarized *time.Time
	sum, err := p.store.GetUserSummary(ctx, userID)
	switch {
	case err == nil:
		uc.Summary = sum.Summary
		lastSummarized = sum.LastSummarizedAt
	case !store.IsNotFound(err):
		return nil, fmt.Errorf("get user summary: %w", err)
	}

	if uc.Rules, err = p.store.ListUserRules(ctx, userID); err != nil {
		return nil, fmt.Errorf("list user rules: %w", err)
	}
	if uc.RecentRequests, err = p.store.ListExecutionsByRequester(ctx, userID, lastSummarized, 0); err != nil {
		return nil, fmt.Errorf("list recent requests: %w", err)
	}
	if uc.Lock, err = p.locker.Live(ctx, userID); err != nil {
		return nil, fmt.Errorf("get summary lock: %w", err)
	}

	uc.NeedsSummary = NeedsSummary(uc, lastSummarized, p.now())
	return uc, nil
}

// NeedsSummary applies the summary thresholds.
func NeedsSummary(uc *models.UserContext, lastSummarized *time.Time, now time.Time) bool {
	count := len(uc.RecentRequests)
	chars := len(uc.Summary)
	for _, e := range uc.RecentRequests {
		chars += len(e.UserMessage)
	}

	exceeded := chars > ContextCharThreshold || count >= ContextCountThreshold
	intervalOK := lastSummarized == nil || now.Sub(*lastSummarized) > MinSummaryInterval
	return exceeded && intervalOK && count >= MinConversationsForSummary && uc.Lock == nil
}

// FormatUserContext renders user context as markdown for the
// <user_context> block.
func FormatUserContext(uc *models.UserContext, baseURL string, now time.Time) string {
	parts := []string{fmt.Sprintf("**Today**: %s", now.UTC().Format("2006-01-02"))}

	if uc.Summary != "" {
		parts = append(parts, "## Summary\n"+uc.Summary)
	}

	if len(uc.Rules) > 0 {
		lines := make([]string, len(uc.Rules))
		for i, r := range uc.Rules {
			lines[i] = "- " + r.Rule
		}
		parts = append(parts, "## Rules (overridden by Recent Requests below)\n"+strings.Join(lines, "\n"))
	}

	if len(uc.RecentRequests) > 0 {
		entries := make([]string, len(uc.RecentRequests))
		for i, e := range uc.RecentRequests {
			entries[i] = fmt.Sprintf("### %s\n%s\n[Detail: %s/v1/executions/%s]",
				e.CreatedAt.UTC().Format("2006-01-02 15:04"), e.UserMessage, strings.TrimRight(baseURL, "/"), e.ID)
		}
		parts = append(parts, "## Recent Requests\n\n"+strings.Join(entries, "\n\n"))
	}

	return strings.Join(parts, "\n\n")
}

// FormatStructuredMessage wraps the request in tagged sections when there is
// an instruction or user context. Otherwise the message passes through
// unchanged.
func FormatStructuredMessage(instruction, userContext, message string) string {
	if instruction == "" && userContext == "" {
		return message
	}

	var parts []string
	if instruction != "" {
		parts = append(parts, "<task_instruction>\n"+instruction+"\n</task_instruction>")
	}
	if userContext != "" {
		parts = append(parts, "<user_context>\n"+userContext+"\n</user_context>")
	}
	parts = append(parts, "<user_request>\n"+message+"\n</user_request>")

	guide := []string{"Process the structured request above:"}
	if instruction != "" {
		guide = append(guide, "- <task_instruction>: Task guidelines.")
	}
	if userContext != "" {
		guide = append(guide, "- <user_context>: User rules and recent activity. [Detail: URL] links can be fetched via WebFetch for full response details when context is needed.")
	}
	guide = append(guide, "- <user_request>: The request to fulfill.")
	parts = append(parts, strings.Join(guide, "\n"))

	return strings.Join(parts, "\n\n")
}
