package api

import (
	"net/http"

	"github.com/example/mlbill/internal/state"
)

// requireAccount resolves the acting account from HTTP basic auth. The
// front end authenticates; which account may do what is kept deliberately
// simple (owner or admin).
func (s *Server) requireAccount(w http.ResponseWriter, r *http.Request) (state.AccountRecord, bool) {
	username, password, ok := r.BasicAuth()
	if !ok {
		w.Header().Set("WWW-Authenticate", `Basic realm="mlbill"`)
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return state.AccountRecord{}, false
	}
	account, err := s.accounts.Authenticate(r.Context(), username, password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return state.AccountRecord{}, false
	}
	return account, true
}
