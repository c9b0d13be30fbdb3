package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/agentoven/dispatcher/internal/summarylock"
	"github.com/agentoven/dispatcher/pkg/models"
	"github.com/rs/zerolog/log"
)

// AcquireSummaryLock takes the user's summary lock for holderID.
func (p *Pipeline) AcquireSummaryLock(ctx context.Context, userID, holderID string) (bool, error) {
	return p.locker.Acquire(ctx, userID, holderID)
}

// ReleaseSummaryLock releases the user's summary lock if holderID holds it.
func (p *Pipeline) ReleaseSummaryLock(ctx context.Context, userID, holderID string) (bool, error) {
	return p.locker.Release(ctx, userID, holderID)
}

// Summarize folds the user's previous summary, rules and recent requests
// into a new summary. It holds the user's lock for the duration and
// releases it on every path. ErrLockContention means another job is
// already running.
func (p *Pipeline) Summarize(ctx context.Context, userID string) (*models.UserSummary, error) {
	holder := summarylock.NewHolderID()
	ok, err := p.locker.Acquire(ctx, userID, holder)
	if err != nil {
		return nil, fmt.Errorf("acquire summary lock: %w", err)
	}
	if !ok {
		return nil, ErrLockContention
	}
	defer func() {
		if _, err := p.locker.Release(context.WithoutCancel(ctx), userID, holder); err != nil {
			log.Warn().Err(err).Str("user", userID).Msg("Failed to release summary lock")
		}
	}()

	uc, err := p.UserContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(uc.RecentRequests) == 0 {
		return &models.UserSummary{UserID: userID, Summary: uc.Summary}, nil
	}

	res := p.dispatcher.Execute(ctx, &models.ExecutionRequest{
		UserMessage: BuildSummaryPrompt(uc),
		Requester:   userID,
		Source:      "summarizer",
		Model:       p.cfg.SummaryModel,
		Timeout:     int(math.Ceil(p.cfg.SummaryTimeout.Seconds())),
		WorkingDir:  p.cfg.IsolatedDir,
	})
	if res.Status != models.StatusCompleted {
		msg := string(res.Status)
		if res.Error != nil {
			msg = res.Error.Code + ": " + res.Error.Message
		}
		return nil, fmt.Errorf("summarize %s: %s", userID, msg)
	}
	text := strings.TrimSpace(res.Result)
	if text == "" {
		return nil, fmt.Errorf("summarize %s: empty summary", userID)
	}

	now := p.now()
	if err := p.store.SaveUserSummary(ctx, userID, text, now); err != nil {
		return nil, fmt.Errorf("save user summary: %w", err)
	}
	log.Info().Str("user", userID).Int("requests", len(uc.RecentRequests)).Msg("User context summarized")
	return &models.UserSummary{UserID: userID, Summary: text, LastSummarizedAt: &now}, nil
}

// BuildSummaryPrompt asks the model for an updated summary.
func BuildSummaryPrompt(uc *models.UserContext) string {
	var b strings.Builder
	b.WriteString("Update the profile summary of a user of an internal assistant.\n")
	b.WriteString("Keep durable facts: role, projects, recurring topics, preferences. Drop one-off details.\n")
	b.WriteString("Stay under 300 words. Respond with the summary text only.\n\n")

	b.WriteString("## Previous summary\n")
	if uc.Summary != "" {
		b.WriteString(uc.Summary)
	} else {
		b.WriteString("(none)")
	}
	b.WriteString("\n\n")

	if len(uc.Rules) > 0 {
		b.WriteString("## Standing rules\n")
		for _, r := range uc.Rules {
			b.WriteString("- " + r.Rule + "\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("## Requests since the previous summary\n")
	for i := len(uc.RecentRequests) - 1; i >= 0; i-- {
		e := uc.RecentRequests[i]
		fmt.Fprintf(&b, "- [%s] %s\n", e.CreatedAt.UTC().Format("2006-01-02 15:04"), e.UserMessage)
	}
	return b.String()
}

// summarizeInBackground starts a detached summarization job. Contention is
// expected when several chats cross the threshold together.
func (p *Pipeline) summarizeInBackground(userID string) {
	p.background.Add(1)
	go func() {
		defer p.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.SummaryTimeout+30*time.Second)
		defer cancel()

		_, err := p.Summarize(ctx, userID)
		switch {
		case err == nil:
		case errors.Is(err, ErrLockContention):
			log.Debug().Str("user", userID).Msg("Summary already in progress")
		default:
			log.Warn().Err(err).Str("user", userID).Msg("Background summarization failed")
		}
	}()
}
