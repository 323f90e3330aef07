package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/mlbill/internal/processor"
	"github.com/example/mlbill/internal/state"
	"github.com/example/mlbill/pkg/mlbillapi"
)

type testClient struct {
	t        *testing.T
	baseURL  string
	username string
	password string
}

func (c *testClient) do(method, path string, body, out any) int {
	c.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("encode request: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		c.t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.t.Fatalf("read response: %v", err)
	}
	if out != nil && resp.StatusCode < 300 {
		if err := json.Unmarshal(raw, out); err != nil {
			c.t.Fatalf("decode %s %s response %q: %v", method, path, raw, err)
		}
	}
	return resp.StatusCode
}

func newTestServer(t *testing.T) (*httptest.Server, *state.MemoryStore, *state.MemoryQueue) {
	t.Helper()
	store := state.NewMemoryStore()
	queue := state.NewMemoryQueue()
	if err := store.CreateModel(context.Background(), state.ModelRecord{
		ID:             "m1",
		Name:           "demo-model",
		Description:    "test model",
		CostPerRequest: decimal.NewFromInt(10),
	}); err != nil {
		t.Fatalf("create model: %v", err)
	}
	ts := httptest.NewServer(NewServer(store, queue).Handler())
	t.Cleanup(ts.Close)
	return ts, store, queue
}

// drainOnce claims and processes every queued message exactly as the
// worker binary would.
func drainOnce(t *testing.T, store *state.MemoryStore, queue *state.MemoryQueue, predict processor.Predictor) {
	t.Helper()
	p := processor.New(store, queue, nil, predict, processor.Options{})
	ctx := context.Background()
	for {
		claims, err := queue.Claim(ctx, 1, "test-worker", time.Second)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if len(claims) == 0 {
			return
		}
		if err := p.Process(ctx, claims[0].Ref.TaskID); err != nil {
			t.Fatalf("process %s: %v", claims[0].Ref.TaskID, err)
		}
		if err := queue.Ack(ctx, claims); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}
}

func TestEndToEndPredictionLifecycle(t *testing.T) {
	ts, store, queue := newTestServer(t)
	anon := &testClient{t: t, baseURL: ts.URL}
	alice := &testClient{t: t, baseURL: ts.URL, username: "alice", password: "pw"}

	var account mlbillapi.AccountResponse
	if code := anon.do(http.MethodPost, "/v1/auth/register", mlbillapi.RegisterRequest{
		Username: "alice", Password: "pw",
	}, &account); code != http.StatusCreated {
		t.Fatalf("register returned %d", code)
	}
	if account.Balance != "0" {
		t.Fatalf("expected zero starting balance, got %s", account.Balance)
	}

	var balance mlbillapi.BalanceResponse
	if code := alice.do(http.MethodPost, "/v1/deposit", mlbillapi.DepositRequest{Amount: "100"}, &balance); code != http.StatusOK {
		t.Fatalf("deposit returned %d", code)
	}
	if balance.Balance != "100" {
		t.Fatalf("expected balance 100, got %s", balance.Balance)
	}

	var models mlbillapi.ListModelsResponse
	if code := anon.do(http.MethodGet, "/v1/models", nil, &models); code != http.StatusOK {
		t.Fatalf("models returned %d", code)
	}
	if len(models.Models) != 1 || models.Models[0].ModelID != "m1" {
		t.Fatalf("expected model catalog, got %+v", models)
	}

	var submitted mlbillapi.TaskResponse
	if code := alice.do(http.MethodPost, "/v1/predictions", mlbillapi.SubmitPredictionRequest{
		ModelID: "m1", Input: `{"text":"hello"}`,
	}, &submitted); code != http.StatusAccepted {
		t.Fatalf("submit returned %d", code)
	}
	if submitted.Status != state.TaskPending || submitted.Cost != "10" {
		t.Fatalf("expected pending task at cost 10, got %+v", submitted)
	}

	drainOnce(t, store, queue, func(context.Context, string) (string, error) {
		return "positive sentiment", nil
	})

	var task mlbillapi.TaskResponse
	if code := alice.do(http.MethodGet, "/v1/tasks/"+submitted.TaskID, nil, &task); code != http.StatusOK {
		t.Fatalf("task status returned %d", code)
	}
	if task.Status != state.TaskCompleted || task.Result != "positive sentiment" {
		t.Fatalf("expected completed task, got %+v", task)
	}

	if code := alice.do(http.MethodGet, "/v1/balance", nil, &balance); code != http.StatusOK {
		t.Fatalf("balance returned %d", code)
	}
	if balance.Balance != "90" {
		t.Fatalf("expected balance 90 after charge, got %s", balance.Balance)
	}

	var history mlbillapi.ListLedgerEntriesResponse
	if code := alice.do(http.MethodGet, "/v1/transactions", nil, &history); code != http.StatusOK {
		t.Fatalf("transactions returned %d", code)
	}
	if len(history.Entries) != 2 {
		t.Fatalf("expected deposit + charge, got %+v", history.Entries)
	}
	charge := history.Entries[1]
	if charge.Kind != state.EntryTaskCharge || charge.TaskID != submitted.TaskID || charge.Amount != "10" {
		t.Fatalf("unexpected charge entry %+v", charge)
	}
}

func TestInsufficientFundsTaskFailsWithoutCharge(t *testing.T) {
	ts, store, queue := newTestServer(t)
	anon := &testClient{t: t, baseURL: ts.URL}
	bob := &testClient{t: t, baseURL: ts.URL, username: "bob", password: "pw"}

	if code := anon.do(http.MethodPost, "/v1/auth/register", mlbillapi.RegisterRequest{
		Username: "bob", Password: "pw",
	}, nil); code != http.StatusCreated {
		t.Fatalf("register returned %d", code)
	}
	if code := bob.do(http.MethodPost, "/v1/deposit", mlbillapi.DepositRequest{Amount: "5"}, nil); code != http.StatusOK {
		t.Fatalf("deposit returned %d", code)
	}

	var submitted mlbillapi.TaskResponse
	if code := bob.do(http.MethodPost, "/v1/predictions", mlbillapi.SubmitPredictionRequest{
		ModelID: "m1", Input: "{}",
	}, &submitted); code != http.StatusAccepted {
		t.Fatalf("submit returned %d", code)
	}

	drainOnce(t, store, queue, func(context.Context, string) (string, error) {
		return "never used", nil
	})

	var task mlbillapi.TaskResponse
	if code := bob.do(http.MethodGet, "/v1/tasks/"+submitted.TaskID, nil, &task); code != http.StatusOK {
		t.Fatalf("task status returned %d", code)
	}
	if task.Status != state.TaskFailed {
		t.Fatalf("expected failed task, got %+v", task)
	}
	if !strings.Contains(task.Error, "insufficient_funds") {
		t.Fatalf("expected insufficient_funds error, got %s", task.Error)
	}

	var balance mlbillapi.BalanceResponse
	if code := bob.do(http.MethodGet, "/v1/balance", nil, &balance); code != http.StatusOK {
		t.Fatalf("balance returned %d", code)
	}
	if balance.Balance != "5" {
		t.Fatalf("failed task must not charge, got %s", balance.Balance)
	}
}

func TestAuthAndOwnershipBoundaries(t *testing.T) {
	ts, _, _ := newTestServer(t)
	anon := &testClient{t: t, baseURL: ts.URL}
	alice := &testClient{t: t, baseURL: ts.URL, username: "alice", password: "pw"}
	eve := &testClient{t: t, baseURL: ts.URL, username: "eve", password: "pw"}

	for _, u := range []string{"alice", "eve"} {
		if code := anon.do(http.MethodPost, "/v1/auth/register", mlbillapi.RegisterRequest{
			Username: u, Password: "pw",
		}, nil); code != http.StatusCreated {
			t.Fatalf("register %s returned %d", u, code)
		}
	}

	if code := anon.do(http.MethodGet, "/v1/balance", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated balance returned %d", code)
	}
	badCreds := &testClient{t: t, baseURL: ts.URL, username: "alice", password: "wrong"}
	if code := badCreds.do(http.MethodGet, "/v1/balance", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("bad credentials returned %d", code)
	}

	if code := alice.do(http.MethodPost, "/v1/deposit", mlbillapi.DepositRequest{Amount: "50"}, nil); code != http.StatusOK {
		t.Fatalf("deposit returned %d", code)
	}
	var submitted mlbillapi.TaskResponse
	if code := alice.do(http.MethodPost, "/v1/predictions", mlbillapi.SubmitPredictionRequest{
		ModelID: "m1", Input: "{}",
	}, &submitted); code != http.StatusAccepted {
		t.Fatalf("submit returned %d", code)
	}

	// Another user cannot see the task, and learns nothing about its existence.
	if code := eve.do(http.MethodGet, "/v1/tasks/"+submitted.TaskID, nil, nil); code != http.StatusNotFound {
		t.Fatalf("foreign task lookup returned %d", code)
	}

	// Dead-letter administration is admin-only.
	if code := alice.do(http.MethodGet, "/v1/admin/queue/dead-letter", nil, nil); code != http.StatusForbidden {
		t.Fatalf("non-admin dead-letter access returned %d", code)
	}
}

func TestDepositValidation(t *testing.T) {
	ts, _, _ := newTestServer(t)
	anon := &testClient{t: t, baseURL: ts.URL}
	alice := &testClient{t: t, baseURL: ts.URL, username: "alice", password: "pw"}

	if code := anon.do(http.MethodPost, "/v1/auth/register", mlbillapi.RegisterRequest{
		Username: "alice", Password: "pw",
	}, nil); code != http.StatusCreated {
		t.Fatalf("register returned %d", code)
	}

	for _, amount := range []string{"", "abc", "0", "-10"} {
		if code := alice.do(http.MethodPost, "/v1/deposit", mlbillapi.DepositRequest{Amount: amount}, nil); code != http.StatusBadRequest {
			t.Fatalf("deposit %q returned %d", amount, code)
		}
	}
	if code := alice.do(http.MethodPost, "/v1/predictions", mlbillapi.SubmitPredictionRequest{
		ModelID: "missing", Input: "{}",
	}, nil); code != http.StatusNotFound {
		t.Fatalf("unknown model returned %d", code)
	}
}
