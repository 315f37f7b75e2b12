package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/edgecoder/edgecoder/pkg/agent"
	"github.com/edgecoder/edgecoder/pkg/identity"
	"github.com/edgecoder/edgecoder/pkg/models"
	"github.com/edgecoder/edgecoder/pkg/provider"
)

// ────────────────────────────────────────────────────────────
// HTTP Client Helpers
// ────────────────────────────────────────────────────────────

// SubmitTask posts a task and returns its assigned task id.
func (coord *TestCoordinator) SubmitTask(t *testing.T, req models.SubmitRequest) string {
	t.Helper()
	resp := coord.postJSON(t, "/submit", req, http.StatusAccepted)
	taskID, _ := resp["task_id"].(string)
	require.NotEmpty(t, taskID, "submit did not return a task id")
	return taskID
}

// GetTask calls GET /tasks/:taskId.
func (coord *TestCoordinator) GetTask(t *testing.T, taskID string) map[string]interface{} {
	t.Helper()
	return coord.getJSON(t, "/tasks/"+taskID, http.StatusOK)
}

// WaitForTaskStatus polls the task until it reaches one of the expected
// statuses. 404s are tolerated while polling; forwarded tasks appear only
// after the receiving coordinator ingests them.
func (coord *TestCoordinator) WaitForTaskStatus(t *testing.T, taskID string, expected ...models.TaskStatus) models.TaskStatus {
	t.Helper()
	var actual models.TaskStatus
	require.Eventually(t, func() bool {
		view, status := coord.tryGetJSON(t, "/tasks/"+taskID)
		if status != http.StatusOK {
			return false
		}
		got, _ := view["status"].(string)
		actual = models.TaskStatus(got)
		for _, exp := range expected {
			if actual == exp {
				return true
			}
		}
		return false
	}, 20*time.Second, 50*time.Millisecond,
		"task %s did not reach status %v (last: %s)", taskID, expected, actual)
	return actual
}

// WaitForEscalationStatus polls GET /escalate/:taskId until the escalation
// reaches one of the expected statuses. The route 404s until the resolver
// has registered the request, so misses are tolerated while polling.
func (coord *TestCoordinator) WaitForEscalationStatus(t *testing.T, taskID string, expected ...string) map[string]interface{} {
	t.Helper()
	var last map[string]interface{}
	require.Eventually(t, func() bool {
		resp, status := coord.tryGetJSON(t, "/escalate/"+taskID)
		if status != http.StatusOK {
			return false
		}
		last = resp
		got, _ := resp["status"].(string)
		for _, exp := range expected {
			if got == exp {
				return true
			}
		}
		return false
	}, 20*time.Second, 50*time.Millisecond,
		"escalation for %s did not reach status %v (last: %v)", taskID, expected, last)
	return last
}

// VerifyLedger calls GET /ledger/verify and fails the test on a broken chain.
func (coord *TestCoordinator) VerifyLedger(t *testing.T) map[string]interface{} {
	t.Helper()
	resp := coord.getJSON(t, "/ledger/verify", http.StatusOK)
	require.Equal(t, true, resp["ok"], "ledger verification failed: %v", resp["error"])
	return resp
}

// Balance reads an account balance straight off the credit engine.
func (coord *TestCoordinator) Balance(t *testing.T, accountID string) float64 {
	t.Helper()
	balance, err := coord.Credits.Balance(context.Background(), accountID)
	require.NoError(t, err)
	return balance
}

// RegisterPeerWith introduces this coordinator to another one over the mesh
// API, so both end up in each other's peer table.
func (coord *TestCoordinator) RegisterPeerWith(t *testing.T, other *TestCoordinator) {
	t.Helper()
	require.NotNil(t, coord.Mesh, "coordinator has no mesh; use WithMesh()")
	require.NotNil(t, other.Mesh, "peer has no mesh; use WithMesh()")
	self := coord.Mesh.SelfInfo()
	resp := other.postJSON(t, "/mesh/register-peer", self, http.StatusOK)
	peerID, _ := resp["peer_id"].(string)
	publicKey, _ := resp["public_key"].(string)
	require.NoError(t, coord.Mesh.RegisterPeer(models.PeerInfo{PeerID: peerID, PublicKey: publicKey}))
}

func (coord *TestCoordinator) postJSON(t *testing.T, path string, body interface{}, expectedStatus int) map[string]interface{} {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, coord.BaseURL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("x-mesh-token", testMeshToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, expectedStatus, resp.StatusCode, "POST %s: unexpected status", path)
	var result map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

func (coord *TestCoordinator) getJSON(t *testing.T, path string, expectedStatus int) map[string]interface{} {
	t.Helper()
	result, status := coord.tryGetJSON(t, path)
	require.Equal(t, expectedStatus, status, "GET %s: unexpected status", path)
	return result
}

// getInto GETs path and decodes the body into out, for endpoints that return
// arrays rather than objects.
func (coord *TestCoordinator) getInto(t *testing.T, path string, out interface{}) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, coord.BaseURL+path, nil)
	require.NoError(t, err)
	req.Header.Set("x-mesh-token", testMeshToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode, "GET %s: unexpected status", path)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

// tryGetJSON performs a GET and returns whatever came back, leaving status
// assertions to the caller. Polling helpers use it to ride out 404s.
func (coord *TestCoordinator) tryGetJSON(t *testing.T, path string) (map[string]interface{}, int) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, coord.BaseURL+path, nil)
	require.NoError(t, err)
	req.Header.Set("x-mesh-token", testMeshToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var result map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&result)
	return result, resp.StatusCode
}

// ────────────────────────────────────────────────────────────
// Worker Helpers
// ────────────────────────────────────────────────────────────

// TestWorker is an in-process agent wired to a TestCoordinator.
type TestWorker struct {
	AgentID   string
	AccountID string
	Key       *identity.Key
	Client    *agent.Client
	Worker    *agent.Worker
	Provider  *ScriptedProvider
	Executor  *ScriptedExecutor
}

// workerConfig holds options accumulated before starting a test worker.
type workerConfig struct {
	accountID     string
	activeModel   string
	maxIterations int
	power         agent.PowerReader
	sink          agent.HeartbeatSink
}

// TestWorkerOption configures a test worker.
type TestWorkerOption func(*workerConfig)

// WithAccountID sets the account credited for the worker's results.
func WithAccountID(id string) TestWorkerOption {
	return func(c *workerConfig) { c.accountID = id }
}

// WithActiveModel sets the model the worker announces on heartbeats.
func WithActiveModel(model string) TestWorkerOption {
	return func(c *workerConfig) { c.activeModel = model }
}

// WithMaxIterations bounds the retry loop per subtask.
func WithMaxIterations(n int) TestWorkerOption {
	return func(c *workerConfig) { c.maxIterations = n }
}

// WithPower replaces the default always-on-AC power reader.
func WithPower(r agent.PowerReader) TestWorkerOption {
	return func(c *workerConfig) { c.power = r }
}

// WithHeartbeatSink observes heartbeat outcomes, e.g. a ble.Monitor.
func WithHeartbeatSink(s agent.HeartbeatSink) TestWorkerOption {
	return func(c *workerConfig) { c.sink = s }
}

// StartWorker registers an approved agent against the coordinator and starts
// its pull/heartbeat loops with test-tight intervals. Shutdown is registered
// via t.Cleanup.
func (coord *TestCoordinator) StartWorker(t *testing.T, agentID string, prov *ScriptedProvider, exec *ScriptedExecutor, opts ...TestWorkerOption) *TestWorker {
	t.Helper()

	wc := &workerConfig{
		accountID:     agentID + "-account",
		activeModel:   prov.Model(),
		maxIterations: 2,
	}
	for _, opt := range opts {
		opt(wc)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	key, err := identity.LoadOrGenerate(filepath.Join(t.TempDir(), "agent.key"), identity.PurposeAgent)
	require.NoError(t, err)

	client := agent.NewClient(agent.ClientConfig{
		BaseURL:   coord.BaseURL,
		MeshToken: testMeshToken,
		AgentID:   agentID,
		Key:       key,
	})

	reg, err := client.Register(context.Background(), models.RegisterRequest{
		AgentID:   agentID,
		AccountID: wc.accountID,
		PublicKey: key.PublicKey(),
		Capabilities: models.Capabilities{
			ActiveModel:    wc.activeModel,
			Languages:      []models.Language{models.LangPython, models.LangJavaScript},
			DeviceType:     models.DeviceWorkstation,
			ResourceClass:  models.ResourceCPU,
			ConcurrencyCap: 1,
		},
		ApprovalToken: testApprovalToken,
	})
	require.NoError(t, err)
	require.Equal(t, models.ApprovalApproved, reg.Status, "worker should register pre-approved")

	providers := provider.NewRegistry()
	providers.Register(prov)

	loop := agent.NewLoop(providers, exec, coord.Config.AgentLoop, logger)

	workerOpts := []agent.WorkerOption{}
	if wc.power != nil {
		workerOpts = append(workerOpts, agent.WithPowerReader(wc.power))
	}
	if wc.sink != nil {
		workerOpts = append(workerOpts, agent.WithHeartbeatSink(wc.sink))
	}
	worker := agent.NewWorker(client, loop, agent.WorkerConfig{
		HeartbeatInterval: 200 * time.Millisecond,
		PollInterval:      50 * time.Millisecond,
		MaxIterations:     wc.maxIterations,
		ActiveModel:       wc.activeModel,
	}, logger, workerOpts...)
	worker.Start(context.Background())
	t.Cleanup(worker.Stop)

	return &TestWorker{
		AgentID:   agentID,
		AccountID: wc.accountID,
		Key:       key,
		Client:    client,
		Worker:    worker,
		Provider:  prov,
		Executor:  exec,
	}
}

// RegisterAgent registers an approved agent identity without starting a
// worker loop. Offline-settlement tests use it for parties that only sign
// credit transactions.
func (coord *TestCoordinator) RegisterAgent(t *testing.T, agentID, accountID string) *identity.Key {
	t.Helper()

	key, err := identity.LoadOrGenerate(filepath.Join(t.TempDir(), agentID+".key"), identity.PurposeAgent)
	require.NoError(t, err)

	client := agent.NewClient(agent.ClientConfig{
		BaseURL:   coord.BaseURL,
		MeshToken: testMeshToken,
		AgentID:   agentID,
		Key:       key,
	})
	reg, err := client.Register(context.Background(), models.RegisterRequest{
		AgentID:   agentID,
		AccountID: accountID,
		PublicKey: key.PublicKey(),
		Capabilities: models.Capabilities{
			ActiveModel:    "scripted-test-model",
			Languages:      []models.Language{models.LangPython},
			DeviceType:     models.DevicePhone,
			ResourceClass:  models.ResourceCPU,
			ConcurrencyCap: 1,
		},
		ApprovalToken: testApprovalToken,
	})
	require.NoError(t, err)
	require.Equal(t, models.ApprovalApproved, reg.Status, "agent should register pre-approved")
	return key
}

// PythonSubtask builds a single-step python subtask with the given prompt.
func PythonSubtask(input string) models.Subtask {
	return models.Subtask{
		Kind:     models.KindSingleStep,
		Language: models.LangPython,
		Input:    input,
	}
}

// SubmitOneSubtask is the common case: one python subtask under one project.
func (coord *TestCoordinator) SubmitOneSubtask(t *testing.T, projectID, accountID, input string) string {
	t.Helper()
	return coord.SubmitTask(t, models.SubmitRequest{
		SubmitterAccountID: accountID,
		ProjectID:          projectID,
		Subtasks:           []models.Subtask{PythonSubtask(input)},
	})
}
