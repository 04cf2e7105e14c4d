package webhook

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	gitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/aimd54/contribution-ledger/internal/gateway"
	"github.com/aimd54/contribution-ledger/internal/models"
)

const (
	gitlabTokenHeader    = "X-Gitlab-Token"
	gitlabDeliveryHeader = "X-Gitlab-Event-UUID"
)

// HandleGitLab handles GitLab webhook deliveries.
// POST /webhooks/gitlab.
func (h *Handler) HandleGitLab(c *gin.Context) {
	if err := VerifyToken(c.GetHeader(gitlabTokenHeader), h.gitlabSecret); err != nil {
		h.unauthorized(c, "gitlab", err)
		return
	}

	eventType := gitlab.HookEventType(c.Request)
	switch eventType {
	case gitlab.EventTypePush, gitlab.EventTypeMergeRequest, gitlab.EventTypeIssue:
	default:
		h.log.Debug().Str("event", string(eventType)).Msg("Ignoring unhandled GitLab event")
		c.JSON(http.StatusOK, gin.H{"source": "gitlab", "processed": 0})
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, "failed to read request body")
		return
	}
	event, err := gitlab.ParseWebhook(eventType, body)
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, fmt.Sprintf("invalid %s payload: %v", eventType, err))
		return
	}

	delivery := c.GetHeader(gitlabDeliveryHeader)
	h.log.Info().
		Str("event", string(eventType)).
		Str("delivery", delivery).
		Msg("Received GitLab webhook")

	ctx, cancel := h.requestContext(c)
	defer cancel()

	var facts []*gateway.Fact
	switch e := event.(type) {
	case *gitlab.PushEvent:
		facts = gitlabRevertFacts(delivery, e)
	case *gitlab.MergeEvent:
		facts, err = h.gitlabMergeRequestFacts(ctx, delivery, e)
	case *gitlab.IssueEvent:
		facts = gitlabIssueFacts(delivery, e)
	}
	if err != nil {
		h.log.Error().Err(err).Str("event", string(eventType)).Msg("Failed to normalize GitLab webhook")
		h.errorResponse(c, http.StatusServiceUnavailable, "failed to resolve agents")
		return
	}

	h.processAll(c, "gitlab", facts)
}

func gitlabRevertFacts(delivery string, e *gitlab.PushEvent) []*gateway.Fact {
	var facts []*gateway.Fact
	for _, commit := range e.Commits {
		if commit == nil {
			continue
		}
		reverted, ok := gateway.ParseRevertCommit(commit.Message)
		if !ok {
			continue
		}
		facts = append(facts, &gateway.Fact{
			ID:        subDeliveryID(delivery, commit.ID),
			Type:      gateway.FactRevert,
			ProjectID: int64(e.ProjectID),
			CommitSHA: commit.ID,
			Payload: gateway.Payload{
				Message:     commit.Message,
				RevertedSHA: reverted,
			},
		})
	}
	return facts
}

func (h *Handler) gitlabMergeRequestFacts(ctx context.Context, delivery string, e *gitlab.MergeEvent) ([]*gateway.Fact, error) {
	attrs := e.ObjectAttributes

	switch attrs.Action {
	case "merge", "close", "approved":
	default:
		return nil, nil
	}

	author, err := h.lookupExternalID(ctx, int64(attrs.AuthorID))
	if err != nil {
		return nil, err
	}
	if author == nil {
		h.log.Debug().Int64("author_id", int64(attrs.AuthorID)).Msg("MR author is not a registered agent")
		return nil, nil
	}

	fact := &gateway.Fact{
		ID:        delivery,
		ProjectID: int64(attrs.TargetProjectID),
		PRNumber:  int64(attrs.IID),
		AgentID:   author.ID,
	}

	switch attrs.Action {
	case "merge":
		fact.Type = gateway.FactMerge
		fact.CommitSHA = attrs.MergeCommitSHA
		if fact.CommitSHA == "" {
			fact.CommitSHA = attrs.LastCommit.ID
		}
	case "close":
		fact.Type = gateway.FactRejected
	case "approved":
		if e.User == nil {
			return nil, nil
		}
		reviewer, err := h.lookupExternalID(ctx, int64(e.User.ID))
		if err != nil {
			return nil, err
		}
		if reviewer == nil {
			h.log.Debug().Int64("user_id", int64(e.User.ID)).Msg("Approver is not a registered agent")
			return nil, nil
		}
		fact.Type = gateway.FactReview
		fact.AgentID = reviewer.ID
		fact.Payload = gateway.Payload{
			ReviewedAgentID: author.ID,
			Verdict:         models.VerdictApproved,
		}
	}
	return []*gateway.Fact{fact}, nil
}

func gitlabIssueFacts(delivery string, e *gitlab.IssueEvent) []*gateway.Fact {
	attrs := e.ObjectAttributes
	if attrs.Action != "open" {
		return nil
	}
	text := attrs.Title + "\n" + attrs.Description
	if len(gateway.ParseBugReferences(text)) == 0 {
		return nil
	}
	return []*gateway.Fact{{
		ID:        delivery,
		Type:      gateway.FactBugReference,
		ProjectID: int64(attrs.ProjectID),
		Payload: gateway.Payload{
			Message:   text,
			SourceKey: fmt.Sprintf("gitlab-issue:%d", attrs.ID),
		},
	}}
}
