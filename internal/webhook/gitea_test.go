//nolint:noctx // Test file uses http.NewRequest for simplicity
package webhook

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aimd54/contribution-ledger/internal/gateway"
	"github.com/aimd54/contribution-ledger/internal/metrics"
	"github.com/aimd54/contribution-ledger/internal/models"
)

func giteaRequest(event, delivery, body string) *http.Request {
	req, _ := http.NewRequest("POST", "/webhooks/gitea", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(giteaEventHeader, event)
	req.Header.Set(giteaDeliveryHeader, delivery)
	req.Header.Set(giteaSignatureHeader, "sha256="+Sign([]byte(body), testGiteaSecret))
	return req
}

func TestHandleGitea_MergedPullRequest(t *testing.T) {
	handler, processor, _ := setupTestHandler()
	router := setupRouter(handler)

	body := `{
		"action": "closed",
		"repository": {"id": 7, "name": "api", "full_name": "acme/api"},
		"sender": {"id": 1, "login": "alice"},
		"pull_request": {
			"id": 900, "number": 12, "title": "Add cache", "state": "closed",
			"merged": true, "merged_at": "2026-05-01T10:00:00Z",
			"merge_commit_sha": "ABCDEF1234567",
			"head": {"sha": "1111111"},
			"user": {"id": 1, "login": "alice"}
		}
	}`
	w := httptest.NewRecorder()
	router.ServeHTTP(w, giteaRequest("pull_request", "d-1", body))

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, processor.facts, 1)
	fact := processor.facts[0]
	assert.Equal(t, "d-1", fact.ID)
	assert.Equal(t, gateway.FactMerge, fact.Type)
	assert.Equal(t, int64(7), fact.ProjectID)
	assert.Equal(t, int64(12), fact.PRNumber)
	assert.Equal(t, "ABCDEF1234567", fact.CommitSHA)
	assert.Equal(t, uint(1), fact.AgentID)
	assert.Equal(t, time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC), fact.Payload.OccurredAt.UTC())
	assert.Equal(t, float64(1), decode(t, w)["processed"])
}

func TestHandleGitea_ClosedWithoutMergeIsRejection(t *testing.T) {
	handler, processor, _ := setupTestHandler()
	router := setupRouter(handler)

	body := `{"action":"closed","repository":{"id":7},"pull_request":{"number":13,"merged":false,"user":{"login":"alice"}}}`
	w := httptest.NewRecorder()
	router.ServeHTTP(w, giteaRequest("pull_request", "d-2", body))

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, processor.facts, 1)
	assert.Equal(t, gateway.FactRejected, processor.facts[0].Type)
}

func TestHandleGitea_UnregisteredAuthorIsSkipped(t *testing.T) {
	handler, processor, _ := setupTestHandler()
	router := setupRouter(handler)

	body := `{"action":"closed","repository":{"id":7},"pull_request":{"number":13,"merged":true,"merge_commit_sha":"abc1234","user":{"login":"stranger"}}}`
	w := httptest.NewRecorder()
	router.ServeHTTP(w, giteaRequest("pull_request", "d-3", body))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, processor.facts)
	assert.Equal(t, float64(0), decode(t, w)["processed"])
}

func TestHandleGitea_PushWithRevertCommits(t *testing.T) {
	handler, processor, _ := setupTestHandler()
	router := setupRouter(handler)

	body := `{
		"ref": "refs/heads/main",
		"repository": {"id": 7},
		"commits": [
			{"id": "c1", "message": "Fix typo"},
			{"id": "c2", "message": "Revert \"Add cache\"\n\nThis reverts commit abcdef1234."}
		]
	}`
	w := httptest.NewRecorder()
	router.ServeHTTP(w, giteaRequest("push", "d-4", body))

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, processor.facts, 1)
	fact := processor.facts[0]
	assert.Equal(t, "d-4:c2", fact.ID)
	assert.Equal(t, gateway.FactRevert, fact.Type)
	assert.Equal(t, "abcdef1234", fact.Payload.RevertedSHA)
	assert.Equal(t, "c2", fact.CommitSHA)
}

func TestHandleGitea_ReviewApproved(t *testing.T) {
	handler, processor, _ := setupTestHandler()
	router := setupRouter(handler)

	body := `{
		"action": "reviewed",
		"repository": {"id": 7},
		"sender": {"login": "bob"},
		"pull_request": {"number": 12, "user": {"login": "alice"}},
		"review": {"type": "pull_request_review_approved", "content": "LGTM"}
	}`
	w := httptest.NewRecorder()
	router.ServeHTTP(w, giteaRequest("pull_request_review_approved", "d-5", body))

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, processor.facts, 1)
	fact := processor.facts[0]
	assert.Equal(t, gateway.FactReview, fact.Type)
	assert.Equal(t, uint(2), fact.AgentID)
	assert.Equal(t, uint(1), fact.Payload.ReviewedAgentID)
	assert.Equal(t, models.VerdictApproved, fact.Payload.Verdict)
}

func TestGiteaVerdict(t *testing.T) {
	tests := []struct {
		event  string
		review *giteaReview
		want   models.ReviewVerdict
		wantOK bool
	}{
		{event: "pull_request_review_rejected", want: models.VerdictChangesRequested, wantOK: true},
		{event: "pull_request_review", review: &giteaReview{State: "APPROVED"}, want: models.VerdictApproved, wantOK: true},
		{event: "pull_request_review", review: &giteaReview{State: "REQUEST_CHANGES"}, want: models.VerdictChangesRequested, wantOK: true},
		{event: "pull_request_review", review: &giteaReview{Type: "pull_request_review_comment"}},
		{event: "pull_request_review"},
	}

	for _, tt := range tests {
		got, ok := giteaVerdict(tt.event, tt.review)
		assert.Equal(t, tt.wantOK, ok)
		assert.Equal(t, tt.want, got)
	}
}

func TestHandleGitea_IssueWithBugReferences(t *testing.T) {
	handler, processor, _ := setupTestHandler()
	router := setupRouter(handler)

	body := `{"action":"opened","repository":{"id":7},"issue":{"id":555,"number":40,"title":"Crash on start","body":"Started after PR #12"}}`
	w := httptest.NewRecorder()
	router.ServeHTTP(w, giteaRequest("issues", "d-6", body))

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, processor.facts, 1)
	fact := processor.facts[0]
	assert.Equal(t, gateway.FactBugReference, fact.Type)
	assert.Equal(t, "gitea-issue:555", fact.Payload.SourceKey)
	assert.Contains(t, fact.Payload.Message, "PR #12")
}

func TestHandleGitea_FailedOutcomeMapsTo503(t *testing.T) {
	handler, processor, _ := setupTestHandler()
	processor.outcome = gateway.OutcomeFailed
	router := setupRouter(handler)

	body := `{"action":"closed","repository":{"id":7},"pull_request":{"number":13,"merged":false,"user":{"login":"alice"}}}`
	w := httptest.NewRecorder()
	router.ServeHTTP(w, giteaRequest("pull_request", "d-7", body))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleGitea_BadSignature(t *testing.T) {
	handler, processor, _ := setupTestHandler()
	router := setupRouter(handler)
	before := testutil.ToFloat64(metrics.WebhookAuthFailuresTotal.WithLabelValues("gitea"))

	req := giteaRequest("pull_request", "d-8", `{"action":"closed"}`)
	req.Header.Set(giteaSignatureHeader, "sha256=00ff")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, processor.facts)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.WebhookAuthFailuresTotal.WithLabelValues("gitea")))
}

func TestHandleGitea_UnhandledEvent(t *testing.T) {
	handler, processor, _ := setupTestHandler()
	router := setupRouter(handler)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, giteaRequest("create", "d-9", `{"ref":"v1.0"}`))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, processor.facts)
}
