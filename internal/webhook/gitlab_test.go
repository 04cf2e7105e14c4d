//nolint:noctx // Test file uses http.NewRequest for simplicity
package webhook

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aimd54/contribution-ledger/internal/gateway"
	"github.com/aimd54/contribution-ledger/internal/models"
)

func gitlabRequest(event, delivery, body string) *http.Request {
	req, _ := http.NewRequest("POST", "/webhooks/gitlab", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gitlab-Event", event)
	req.Header.Set(gitlabDeliveryHeader, delivery)
	req.Header.Set(gitlabTokenHeader, testGitLabToken)
	return req
}

func TestHandleGitLab_MergeRequestMerged(t *testing.T) {
	handler, processor, _ := setupTestHandler()
	router := setupRouter(handler)

	body := `{
		"object_kind": "merge_request",
		"user": {"id": 101, "username": "alice"},
		"object_attributes": {
			"id": 9000, "iid": 31, "target_project_id": 5, "author_id": 101,
			"merge_commit_sha": "feedface1234", "action": "merge", "state": "merged",
			"last_commit": {"id": "0000000"}
		}
	}`
	w := httptest.NewRecorder()
	router.ServeHTTP(w, gitlabRequest("Merge Request Hook", "u-1", body))

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, processor.facts, 1)
	fact := processor.facts[0]
	assert.Equal(t, "u-1", fact.ID)
	assert.Equal(t, gateway.FactMerge, fact.Type)
	assert.Equal(t, int64(5), fact.ProjectID)
	assert.Equal(t, int64(31), fact.PRNumber)
	assert.Equal(t, "feedface1234", fact.CommitSHA)
	assert.Equal(t, uint(1), fact.AgentID)
}

func TestHandleGitLab_MergeRequestApproved(t *testing.T) {
	handler, processor, _ := setupTestHandler()
	router := setupRouter(handler)

	body := `{
		"object_kind": "merge_request",
		"user": {"id": 102, "username": "bob"},
		"object_attributes": {"iid": 31, "target_project_id": 5, "author_id": 101, "action": "approved"}
	}`
	w := httptest.NewRecorder()
	router.ServeHTTP(w, gitlabRequest("Merge Request Hook", "u-2", body))

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, processor.facts, 1)
	fact := processor.facts[0]
	assert.Equal(t, gateway.FactReview, fact.Type)
	assert.Equal(t, uint(2), fact.AgentID)
	assert.Equal(t, uint(1), fact.Payload.ReviewedAgentID)
	assert.Equal(t, models.VerdictApproved, fact.Payload.Verdict)
}

func TestHandleGitLab_MergeRequestClosed(t *testing.T) {
	handler, processor, _ := setupTestHandler()
	router := setupRouter(handler)

	body := `{"object_kind":"merge_request","object_attributes":{"iid":32,"target_project_id":5,"author_id":101,"action":"close"}}`
	w := httptest.NewRecorder()
	router.ServeHTTP(w, gitlabRequest("Merge Request Hook", "u-3", body))

	require.Len(t, processor.facts, 1)
	assert.Equal(t, gateway.FactRejected, processor.facts[0].Type)
}

func TestHandleGitLab_MergeRequestUpdateIgnored(t *testing.T) {
	handler, processor, _ := setupTestHandler()
	router := setupRouter(handler)

	body := `{"object_kind":"merge_request","object_attributes":{"iid":32,"target_project_id":5,"author_id":101,"action":"update"}}`
	w := httptest.NewRecorder()
	router.ServeHTTP(w, gitlabRequest("Merge Request Hook", "u-4", body))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, processor.facts)
}

func TestHandleGitLab_PushWithRevert(t *testing.T) {
	handler, processor, _ := setupTestHandler()
	router := setupRouter(handler)

	body := `{
		"object_kind": "push",
		"project_id": 5,
		"commits": [{"id": "r1", "message": "Revert abcdef1 broke the build"}]
	}`
	w := httptest.NewRecorder()
	router.ServeHTTP(w, gitlabRequest("Push Hook", "u-5", body))

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, processor.facts, 1)
	assert.Equal(t, gateway.FactRevert, processor.facts[0].Type)
	assert.Equal(t, "abcdef1", processor.facts[0].Payload.RevertedSHA)
	assert.Equal(t, "u-5:r1", processor.facts[0].ID)
}

func TestHandleGitLab_IssueOpened(t *testing.T) {
	handler, processor, _ := setupTestHandler()
	router := setupRouter(handler)

	body := `{
		"object_kind": "issue",
		"object_attributes": {"id": 77, "iid": 3, "project_id": 5, "title": "Regression", "description": "Broken by #31", "action": "open"}
	}`
	w := httptest.NewRecorder()
	router.ServeHTTP(w, gitlabRequest("Issue Hook", "u-6", body))

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, processor.facts, 1)
	assert.Equal(t, gateway.FactBugReference, processor.facts[0].Type)
	assert.Equal(t, "gitlab-issue:77", processor.facts[0].Payload.SourceKey)
	assert.Equal(t, int64(5), processor.facts[0].ProjectID)
}

func TestHandleGitLab_BadToken(t *testing.T) {
	handler, processor, _ := setupTestHandler()
	router := setupRouter(handler)

	req := gitlabRequest("Merge Request Hook", "u-7", `{}`)
	req.Header.Set(gitlabTokenHeader, "wrong")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, processor.facts)
}

func TestHandleGitLab_UnhandledEvent(t *testing.T) {
	handler, processor, _ := setupTestHandler()
	router := setupRouter(handler)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, gitlabRequest("Pipeline Hook", "u-8", `{"object_kind":"pipeline"}`))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, processor.facts)
}
