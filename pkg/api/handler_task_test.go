package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecoder/edgecoder/pkg/models"
)

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name    string
		req     models.SubmitRequest
		wantMsg string
	}{
		{
			name:    "no subtasks",
			req:     models.SubmitRequest{ProjectID: "p"},
			wantMsg: "at least one subtask",
		},
		{
			name: "no project id",
			req: models.SubmitRequest{
				Subtasks: []models.Subtask{{Language: models.LangPython, Input: "x"}},
			},
			wantMsg: "project_id is required",
		},
		{
			name: "unsupported language",
			req: models.SubmitRequest{
				ProjectID: "p",
				Subtasks:  []models.Subtask{{Language: "rust", Input: "x"}},
			},
			wantMsg: "must be python or javascript",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/submit", tt.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantMsg)
		})
	}
}

func TestSubmitAndPoll(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/submit", models.SubmitRequest{
		ProjectID:          "proj-poll",
		SubmitterAccountID: "acct-1",
		Priority:           2,
		Subtasks: []models.Subtask{
			{Kind: models.KindSingleStep, Language: models.LangPython, Input: "one"},
			{Kind: models.KindSingleStep, Language: models.LangJavaScript, Input: "two"},
		},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	submitted := decodeJSON[models.SubmitResponse](t, rec)
	require.True(t, submitted.OK)
	require.NotEmpty(t, submitted.TaskID)

	rec = env.do(http.MethodGet, "/tasks/"+submitted.TaskID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decodeJSON[TaskResponse](t, rec)
	assert.Equal(t, submitted.TaskID, view.TaskID)
	assert.Equal(t, models.TaskPending, view.Status)
	require.Len(t, view.Subtasks, 2)
	for _, st := range view.Subtasks {
		assert.Equal(t, models.SubtaskQueued, st.Status)
		assert.Equal(t, "proj-poll", st.ProjectMeta.ProjectID)
		assert.Equal(t, 2, st.ProjectMeta.Priority)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/tasks/task-missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
