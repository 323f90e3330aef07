package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/mlbill/internal/accounts"
	"github.com/example/mlbill/internal/ledger"
	"github.com/example/mlbill/internal/observability"
	"github.com/example/mlbill/internal/state"
	"github.com/example/mlbill/internal/tasks"
	"github.com/example/mlbill/pkg/mlbillapi"
)

type Server struct {
	store    state.Store
	queue    state.Queue
	accounts *accounts.Service
	ledger   *ledger.Ledger
	tasks    *tasks.Service
}

func NewServer(store state.Store, queue state.Queue) *Server {
	return &Server{
		store:    store,
		queue:    queue,
		accounts: accounts.NewService(store),
		ledger:   ledger.New(store),
		tasks:    tasks.NewService(store, queue),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/metrics", s.handleMetrics)
	mux.HandleFunc("/v1/metrics/prometheus", s.handleMetricsPrometheus)
	mux.HandleFunc("/v1/auth/register", s.handleRegister)
	mux.HandleFunc("/v1/auth/login", s.handleLogin)
	mux.HandleFunc("/v1/balance", s.handleBalance)
	mux.HandleFunc("/v1/deposit", s.handleDeposit)
	mux.HandleFunc("/v1/models", s.handleModels)
	mux.HandleFunc("/v1/predictions", s.handleSubmitPrediction)
	mux.HandleFunc("/v1/tasks", s.handleTasks)
	mux.HandleFunc("/v1/tasks/", s.handleTaskByID)
	mux.HandleFunc("/v1/transactions", s.handleTransactions)
	mux.HandleFunc("/v1/admin/queue/dead-letter", s.handleDeadLetterQueue)
	return withLogging(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, observability.Default.Snapshot())
}

func (s *Server) handleMetricsPrometheus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(observability.Default.RenderPrometheus()))
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req mlbillapi.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	account, err := s.accounts.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, state.ErrDuplicateUsername) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, accountResponse(account))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req mlbillapi.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	account, err := s.accounts.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, accountResponse(account))
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	account, ok := s.requireAccount(w, r)
	if !ok {
		return
	}
	balance, err := s.ledger.BalanceOf(r.Context(), account.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, mlbillapi.BalanceResponse{AccountID: account.ID, Balance: balance.String()})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	account, ok := s.requireAccount(w, r)
	if !ok {
		return
	}
	var req mlbillapi.DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount must be a decimal string")
		return
	}
	if _, err := s.ledger.Deposit(r.Context(), account.ID, amount); err != nil {
		if errors.Is(err, ledger.ErrInvalidAmount) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	balance, err := s.ledger.BalanceOf(r.Context(), account.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, mlbillapi.BalanceResponse{AccountID: account.ID, Balance: balance.String()})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	models, err := s.store.ListModels(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := mlbillapi.ListModelsResponse{Models: make([]mlbillapi.ModelResponse, 0, len(models))}
	for _, m := range models {
		resp.Models = append(resp.Models, mlbillapi.ModelResponse{
			ModelID:        m.ID,
			Name:           m.Name,
			Description:    m.Description,
			CostPerRequest: m.CostPerRequest.String(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSubmitPrediction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	account, ok := s.requireAccount(w, r)
	if !ok {
		return
	}
	var req mlbillapi.SubmitPredictionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	task, err := s.tasks.Submit(r.Context(), account.ID, req.ModelID, req.Input)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, taskResponse(task))
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	account, ok := s.requireAccount(w, r)
	if !ok {
		return
	}
	list, err := s.tasks.ListByAccount(r.Context(), account.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := mlbillapi.ListTasksResponse{Tasks: make([]mlbillapi.TaskResponse, 0, len(list))}
	for _, t := range list {
		resp.Tasks = append(resp.Tasks, taskResponse(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	account, ok := s.requireAccount(w, r)
	if !ok {
		return
	}
	taskID := strings.TrimPrefix(r.URL.Path, "/v1/tasks/")
	if taskID == "" || strings.Contains(taskID, "/") {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	task, err := s.tasks.Get(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task.AccountID != account.ID && account.Role != accounts.RoleAdmin {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, taskResponse(task))
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	account, ok := s.requireAccount(w, r)
	if !ok {
		return
	}
	entries, err := s.ledger.Entries(r.Context(), account.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := mlbillapi.ListLedgerEntriesResponse{Entries: make([]mlbillapi.LedgerEntryResponse, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, mlbillapi.LedgerEntryResponse{
			EntryID:   e.ID,
			Kind:      e.Kind,
			Amount:    e.Amount.String(),
			TaskID:    e.TaskID,
			CreatedAt: e.CreatedAt.Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeadLetterQueue(w http.ResponseWriter, r *http.Request) {
	account, ok := s.requireAccount(w, r)
	if !ok {
		return
	}
	if account.Role != accounts.RoleAdmin {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}
	switch r.Method {
	case http.MethodGet:
		refs, err := s.queue.ListDeadLetters(r.Context(), 100)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp := mlbillapi.DeadLetterResponse{TaskIDs: make([]string, 0, len(refs))}
		for _, ref := range refs {
			resp.TaskIDs = append(resp.TaskIDs, ref.TaskID)
		}
		writeJSON(w, http.StatusOK, resp)
	case http.MethodPost:
		var req mlbillapi.RequeueDeadLettersRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		refs := make([]state.TaskRef, 0, len(req.TaskIDs))
		for _, id := range req.TaskIDs {
			refs = append(refs, state.TaskRef{TaskID: id})
		}
		n, err := s.queue.RequeueDeadLetters(r.Context(), refs)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, mlbillapi.RequeueDeadLettersResponse{Requeued: n})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func accountResponse(a state.AccountRecord) mlbillapi.AccountResponse {
	return mlbillapi.AccountResponse{
		AccountID: a.ID,
		Username:  a.Username,
		Role:      a.Role,
		Balance:   a.Balance.String(),
	}
}

func taskResponse(t state.TaskRecord) mlbillapi.TaskResponse {
	return mlbillapi.TaskResponse{
		TaskID:    t.ID,
		ModelID:   t.ModelID,
		Cost:      t.Cost.String(),
		Input:     t.Input,
		Status:    t.Status,
		Result:    t.Result,
		Error:     t.Error,
		CreatedAt: t.CreatedAt.Format(time.RFC3339Nano),
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, mlbillapi.ErrorResponse{Error: message})
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(started))
	})
}
