package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aimd54/contribution-ledger/internal/gateway"
	"github.com/aimd54/contribution-ledger/internal/models"
)

const (
	giteaSignatureHeader = "X-Gitea-Signature"
	giteaEventHeader     = "X-Gitea-Event"
	giteaDeliveryHeader  = "X-Gitea-Delivery"
)

type giteaPayload struct {
	Action      string            `json:"action"`
	Ref         string            `json:"ref"`
	Commits     []giteaCommit     `json:"commits"`
	Repository  *giteaRepository  `json:"repository"`
	Sender      *giteaUser        `json:"sender"`
	PullRequest *giteaPullRequest `json:"pull_request"`
	Review      *giteaReview      `json:"review"`
	Issue       *giteaIssue       `json:"issue"`
}

type giteaCommit struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

type giteaRepository struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	FullName string `json:"full_name"`
}

type giteaUser struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
}

type giteaPullRequest struct {
	ID             int64      `json:"id"`
	Number         int64      `json:"number"`
	Title          string     `json:"title"`
	State          string     `json:"state"`
	Merged         bool       `json:"merged"`
	MergedAt       *time.Time `json:"merged_at"`
	MergeCommitSHA string     `json:"merge_commit_sha"`
	Head           *struct {
		SHA string `json:"sha"`
	} `json:"head"`
	User *giteaUser `json:"user"`
}

type giteaReview struct {
	Type    string `json:"type"`
	State   string `json:"state"`
	Content string `json:"content"`
}

type giteaIssue struct {
	ID          int64     `json:"id"`
	Number      int64     `json:"number"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	PullRequest *struct{} `json:"pull_request"`
}

// HandleGitea handles Gitea webhook deliveries.
// POST /webhooks/gitea.
func (h *Handler) HandleGitea(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		h.errorResponse(c, http.StatusBadRequest, "failed to read request body")
		return
	}
	if err := VerifyHMAC(body, c.GetHeader(giteaSignatureHeader), h.giteaSecret); err != nil {
		h.unauthorized(c, "gitea", err)
		return
	}

	var payload giteaPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.errorResponse(c, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	event := c.GetHeader(giteaEventHeader)
	delivery := c.GetHeader(giteaDeliveryHeader)

	h.log.Info().
		Str("event", event).
		Str("delivery", delivery).
		Str("action", payload.Action).
		Msg("Received Gitea webhook")

	ctx, cancel := h.requestContext(c)
	defer cancel()

	facts, err := h.giteaFacts(ctx, event, delivery, &payload)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("Failed to normalize Gitea webhook")
		h.errorResponse(c, http.StatusServiceUnavailable, "failed to resolve agents")
		return
	}

	h.processAll(c, "gitea", facts)
}

func (h *Handler) giteaFacts(ctx context.Context, event, delivery string, p *giteaPayload) ([]*gateway.Fact, error) {
	switch event {
	case "push":
		return giteaRevertFacts(delivery, p), nil
	case "pull_request":
		return h.giteaPullRequestFacts(ctx, delivery, p)
	case "pull_request_review", "pull_request_review_approved", "pull_request_review_rejected":
		return h.giteaReviewFacts(ctx, event, delivery, p)
	case "issues":
		return giteaIssueFacts(delivery, p), nil
	default:
		h.log.Debug().Str("event", event).Msg("Ignoring unhandled Gitea event")
		return nil, nil
	}
}

func giteaRevertFacts(delivery string, p *giteaPayload) []*gateway.Fact {
	var facts []*gateway.Fact
	for _, commit := range p.Commits {
		reverted, ok := gateway.ParseRevertCommit(commit.Message)
		if !ok {
			continue
		}
		fact := &gateway.Fact{
			ID:        subDeliveryID(delivery, commit.ID),
			Type:      gateway.FactRevert,
			CommitSHA: commit.ID,
			Payload: gateway.Payload{
				Message:     commit.Message,
				RevertedSHA: reverted,
			},
		}
		if p.Repository != nil {
			fact.ProjectID = p.Repository.ID
		}
		facts = append(facts, fact)
	}
	return facts
}

func (h *Handler) giteaPullRequestFacts(ctx context.Context, delivery string, p *giteaPayload) ([]*gateway.Fact, error) {
	pr := p.PullRequest
	if p.Action != "closed" || pr == nil || p.Repository == nil || pr.User == nil {
		return nil, nil
	}

	author, err := h.lookupUsername(ctx, pr.User.Login)
	if err != nil {
		return nil, err
	}
	if author == nil {
		h.log.Debug().Str("username", pr.User.Login).Msg("PR author is not a registered agent")
		return nil, nil
	}

	fact := &gateway.Fact{
		ID:        delivery,
		ProjectID: p.Repository.ID,
		PRNumber:  pr.Number,
		AgentID:   author.ID,
	}
	if !pr.Merged {
		fact.Type = gateway.FactRejected
		return []*gateway.Fact{fact}, nil
	}

	fact.Type = gateway.FactMerge
	fact.CommitSHA = pr.MergeCommitSHA
	if fact.CommitSHA == "" && pr.Head != nil {
		fact.CommitSHA = pr.Head.SHA
	}
	if pr.MergedAt != nil {
		fact.Payload.OccurredAt = *pr.MergedAt
	}
	return []*gateway.Fact{fact}, nil
}

func (h *Handler) giteaReviewFacts(ctx context.Context, event, delivery string, p *giteaPayload) ([]*gateway.Fact, error) {
	pr := p.PullRequest
	if pr == nil || p.Repository == nil || pr.User == nil || p.Sender == nil {
		return nil, nil
	}
	verdict, ok := giteaVerdict(event, p.Review)
	if !ok {
		return nil, nil
	}

	reviewer, err := h.lookupUsername(ctx, p.Sender.Login)
	if err != nil {
		return nil, err
	}
	author, err := h.lookupUsername(ctx, pr.User.Login)
	if err != nil {
		return nil, err
	}
	if reviewer == nil || author == nil {
		h.log.Debug().
			Str("reviewer", p.Sender.Login).
			Str("author", pr.User.Login).
			Msg("Review involves an unregistered agent")
		return nil, nil
	}

	return []*gateway.Fact{{
		ID:        delivery,
		Type:      gateway.FactReview,
		ProjectID: p.Repository.ID,
		PRNumber:  pr.Number,
		AgentID:   reviewer.ID,
		Payload: gateway.Payload{
			ReviewedAgentID: author.ID,
			Verdict:         verdict,
		},
	}}, nil
}

// giteaVerdict reads the verdict from the event name, falling back to the review body.
func giteaVerdict(event string, review *giteaReview) (models.ReviewVerdict, bool) {
	switch event {
	case "pull_request_review_approved":
		return models.VerdictApproved, true
	case "pull_request_review_rejected":
		return models.VerdictChangesRequested, true
	}
	if review == nil {
		return "", false
	}

	state := review.State
	if state == "" {
		state = review.Type
	}
	switch strings.ToLower(state) {
	case "approved", "approve", "pull_request_review_approved":
		return models.VerdictApproved, true
	case "changes_requested", "request_changes", "rejected", "pull_request_review_rejected":
		return models.VerdictChangesRequested, true
	default:
		return "", false
	}
}

func giteaIssueFacts(delivery string, p *giteaPayload) []*gateway.Fact {
	issue := p.Issue
	if p.Action != "opened" || issue == nil || issue.PullRequest != nil || p.Repository == nil {
		return nil
	}
	text := issue.Title + "\n" + issue.Body
	if len(gateway.ParseBugReferences(text)) == 0 {
		return nil
	}
	return []*gateway.Fact{{
		ID:        delivery,
		Type:      gateway.FactBugReference,
		ProjectID: p.Repository.ID,
		Payload: gateway.Payload{
			Message:   text,
			SourceKey: fmt.Sprintf("gitea-issue:%d", issue.ID),
		},
	}}
}

// subDeliveryID derives a per-item delivery id when one delivery carries several facts.
func subDeliveryID(delivery, item string) string {
	if delivery == "" {
		return ""
	}
	return delivery + ":" + item
}
