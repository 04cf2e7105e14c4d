package gateway

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/aimd54/contribution-ledger/internal/apperr"
	"github.com/aimd54/contribution-ledger/internal/models"
)

// FactType identifies a normalized lifecycle fact.
type FactType string

// FactType constants.
const (
	FactMerge         FactType = "merge"
	FactRevert        FactType = "revert"
	FactReview        FactType = "review"
	FactBugReference  FactType = "bug_reference"
	FactRejected      FactType = "rejected"
	FactDependentPR   FactType = "dependent_pr"
	FactReplaced      FactType = "replaced"
	FactLowPeerReview FactType = "low_peer_review"
)

// IsValid reports whether t is a known fact type.
func (t FactType) IsValid() bool {
	switch t {
	case FactMerge, FactRevert, FactReview, FactBugReference,
		FactRejected, FactDependentPR, FactReplaced, FactLowPeerReview:
		return true
	default:
		return false
	}
}

// Fact is a normalized, authenticated lifecycle notification.
type Fact struct {
	// ID is the delivery identifier used for delivery-level deduplication.
	ID         string    `json:"id"`
	Type       FactType  `json:"fact_type"`
	ProjectID  int64     `json:"project_id"`
	PRNumber   int64     `json:"pr_number"`
	CommitSHA  string    `json:"commit_sha,omitempty"`
	AgentID    uint      `json:"agent_id,omitempty"`
	Payload    Payload   `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// Payload carries the type-specific fields of a fact.
type Payload struct {
	// Message is a commit message (revert) or issue body (bug_reference).
	Message string `json:"message,omitempty"`
	// RevertedSHA is the origin commit of a revert, when known upfront.
	RevertedSHA string `json:"reverted_sha,omitempty"`
	// ReviewedAgentID is the PR author for review facts.
	ReviewedAgentID uint                 `json:"reviewed_agent_id,omitempty"`
	Verdict         models.ReviewVerdict `json:"verdict,omitempty"`
	// ReferencedPRs are PR numbers in ProjectID referenced by a bug report.
	ReferencedPRs []int64 `json:"referenced_prs,omitempty"`
	// ReferencedSHA targets a contribution by commit instead of PR number.
	ReferencedSHA string `json:"referenced_sha,omitempty"`
	// TargetPRNumber is the contribution a dependent PR builds upon.
	TargetPRNumber int64 `json:"target_pr_number,omitempty"`
	// SourceKey identifies the originating issue or report for deduplication.
	SourceKey string `json:"source_key,omitempty"`
	// OccurredAt is when the event happened upstream (merge, revert, replacement).
	OccurredAt time.Time `json:"occurred_at,omitempty"`
	Details    string    `json:"details,omitempty"`
}

// Validate checks that a fact carries the fields its type requires.
func (f *Fact) Validate() error {
	if !f.Type.IsValid() {
		return fmt.Errorf("%w: unknown fact type %q", apperr.ErrMalformedFact, f.Type)
	}

	var missing []string
	need := func(ok bool, field string) {
		if !ok {
			missing = append(missing, field)
		}
	}

	switch f.Type {
	case FactMerge:
		need(f.ProjectID > 0, "project_id")
		need(f.PRNumber > 0, "pr_number")
		need(f.CommitSHA != "", "commit_sha")
		need(f.AgentID > 0, "agent_id")
	case FactRevert:
		need(f.Payload.RevertedSHA != "" || f.Payload.Message != "", "payload.reverted_sha or payload.message")
	case FactReview:
		need(f.ProjectID > 0, "project_id")
		need(f.PRNumber > 0, "pr_number")
		need(f.AgentID > 0, "agent_id")
		need(f.Payload.ReviewedAgentID > 0, "payload.reviewed_agent_id")
		need(f.Payload.Verdict != "", "payload.verdict")
	case FactBugReference:
		need(f.Payload.SourceKey != "", "payload.source_key")
		need(f.ProjectID > 0 || f.Payload.ReferencedSHA != "", "project_id")
		need(len(f.Payload.ReferencedPRs) > 0 || f.Payload.ReferencedSHA != "" || f.Payload.Message != "",
			"payload.referenced_prs, payload.referenced_sha or payload.message")
	case FactRejected, FactLowPeerReview:
		need(f.ProjectID > 0, "project_id")
		need(f.PRNumber > 0, "pr_number")
		need(f.AgentID > 0, "agent_id")
	case FactDependentPR:
		need(f.ProjectID > 0, "project_id")
		need(f.PRNumber > 0, "pr_number")
		need(f.Payload.TargetPRNumber > 0 || f.Payload.ReferencedSHA != "", "payload.target_pr_number or payload.referenced_sha")
	case FactReplaced:
		need(f.CommitSHA != "" || (f.ProjectID > 0 && f.PRNumber > 0), "commit_sha or project_id and pr_number")
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: %s fact missing %s", apperr.ErrMalformedFact, f.Type, strings.Join(missing, ", "))
	}
	return nil
}

var (
	revertBodyPattern   = regexp.MustCompile(`(?i)this reverts commit ([0-9a-f]{7,40})`)
	revertPrefixPattern = regexp.MustCompile(`(?i)^revert\s+"?([0-9a-f]{7,40})\b`)
	bugReferencePattern = regexp.MustCompile(`(?i)(?:PR\s*)?#(\d+)`)
)

// ParseRevertCommit extracts the reverted commit SHA from a revert commit
// message. Both "This reverts commit <sha>" and a leading "Revert <sha>" are
// recognised; the SHA must be at least seven hex characters.
func ParseRevertCommit(message string) (string, bool) {
	if m := revertBodyPattern.FindStringSubmatch(message); m != nil {
		return strings.ToLower(m[1]), true
	}
	if m := revertPrefixPattern.FindStringSubmatch(strings.TrimSpace(message)); m != nil {
		return strings.ToLower(m[1]), true
	}
	return "", false
}

// ParseBugReferences extracts the distinct PR numbers referenced as "#123" or
// "PR #123" in text, in order of first appearance.
func ParseBugReferences(text string) []int64 {
	matches := bugReferencePattern.FindAllStringSubmatch(text, -1)
	seen := make(map[int64]bool, len(matches))
	refs := make([]int64, 0, len(matches))
	for _, m := range matches {
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil || n <= 0 || seen[n] {
			continue
		}
		seen[n] = true
		refs = append(refs, n)
	}
	return refs
}
