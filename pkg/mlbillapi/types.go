// Package mlbillapi holds the wire types of the HTTP API. Monetary values
// travel as decimal strings; parsing them as floats loses cents.
package mlbillapi

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AccountResponse struct {
	AccountID string `json:"account_id"`
	Username  string `json:"username"`
	Role      string `json:"role"`
	Balance   string `json:"balance"`
}

type DepositRequest struct {
	Amount string `json:"amount"`
}

type BalanceResponse struct {
	AccountID string `json:"account_id"`
	Balance   string `json:"balance"`
}

type ModelResponse struct {
	ModelID        string `json:"model_id"`
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	CostPerRequest string `json:"cost_per_request"`
}

type ListModelsResponse struct {
	Models []ModelResponse `json:"models"`
}

type SubmitPredictionRequest struct {
	ModelID string `json:"model_id"`
	Input   string `json:"input"`
}

type TaskResponse struct {
	TaskID    string `json:"task_id"`
	ModelID   string `json:"model_id"`
	Cost      string `json:"cost"`
	Input     string `json:"input"`
	Status    string `json:"status"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	CreatedAt string `json:"created_at"`
}

type ListTasksResponse struct {
	Tasks []TaskResponse `json:"tasks"`
}

type LedgerEntryResponse struct {
	EntryID   string `json:"entry_id"`
	Kind      string `json:"kind"`
	Amount    string `json:"amount"`
	TaskID    string `json:"task_id,omitempty"`
	CreatedAt string `json:"created_at"`
}

type ListLedgerEntriesResponse struct {
	Entries []LedgerEntryResponse `json:"entries"`
}

type DeadLetterResponse struct {
	TaskIDs []string `json:"task_ids"`
}

type RequeueDeadLettersRequest struct {
	TaskIDs []string `json:"task_ids"`
}

type RequeueDeadLettersResponse struct {
	Requeued int `json:"requeued"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
