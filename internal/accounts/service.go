// Package accounts handles registration and credential checks for the
// HTTP front end. Credentials are stored as a salted sha256 digest; a
// hardened KDF is the deployment's concern, not this service's.
package accounts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/mlbill/internal/state"
)

var ErrAuthentication = errors.New("invalid username or password")

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

type Service struct {
	store state.Store
}

func NewService(store state.Store) *Service {
	return &Service{store: store}
}

func (s *Service) Register(ctx context.Context, username, password string) (state.AccountRecord, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return state.AccountRecord{}, errors.New("username is required")
	}
	if password == "" {
		return state.AccountRecord{}, errors.New("password is required")
	}
	account := state.AccountRecord{
		ID:             uuid.NewString(),
		Username:       username,
		CredentialHash: HashCredential(username, password),
		Role:           RoleUser,
		Balance:        decimal.Zero,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.CreateAccount(ctx, account); err != nil {
		return state.AccountRecord{}, err
	}
	return account, nil
}

func (s *Service) Authenticate(ctx context.Context, username, password string) (state.AccountRecord, error) {
	account, ok, err := s.store.GetAccountByUsername(ctx, username)
	if err != nil {
		return state.AccountRecord{}, err
	}
	if !ok || account.CredentialHash != HashCredential(username, password) {
		return state.AccountRecord{}, ErrAuthentication
	}
	return account, nil
}

func (s *Service) Get(ctx context.Context, accountID string) (state.AccountRecord, error) {
	account, ok, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return state.AccountRecord{}, err
	}
	if !ok {
		return state.AccountRecord{}, state.ErrNotFound
	}
	return account, nil
}

// HashCredential derives the stored digest. The username doubles as a salt
// so equal passwords do not share a hash.
func HashCredential(username, password string) string {
	sum := sha256.Sum256([]byte(username + ":" + password))
	return hex.EncodeToString(sum[:])
}
