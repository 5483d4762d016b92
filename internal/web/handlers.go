package web

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/vault/internal/domain"
	"github.com/vadiminshakov/vault/internal/services/withdrawal"
)

type createAccountRequest struct {
	ID string `json:"id"`
}

type accountResponse struct {
	ID        string                 `json:"id"`
	Alias     uint64                 `json:"alias"`
	Version   uint64                 `json:"version"`
	Positions []domain.AssetPosition `json:"positions"`
	CreatedAt time.Time              `json:"created_at"`
}

func newAccountResponse(acc domain.Account) accountResponse {
	positions := acc.PositionList()
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return accountResponse{
		ID:        acc.ID,
		Alias:     acc.Alias,
		Version:   acc.Version,
		Positions: positions,
		CreatedAt: acc.CreatedAt,
	}
}

type balanceResponse struct {
	AccountID string          `json:"account_id"`
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
}

type depositRequest struct {
	AccountID string          `json:"account_id"`
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	Ref       string          `json:"ref"`
}

type transferRequest struct {
	From   string          `json:"from"`
	To     string          `json:"to"`
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

type withdrawalRequest struct {
	AccountID string          `json:"account_id"`
	Asset     string          `json:"asset"`
	Network   string          `json:"network"`
	Amount    decimal.Decimal `json:"amount"`
	Address   string          `json:"address"`
	Tier      string          `json:"tier"`
}

type cancelRequest struct {
	AccountID string `json:"account_id"`
}

type failRequest struct {
	Reason string `json:"reason"`
}

type quoteRequest struct {
	From   string          `json:"from"`
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

type conversionRequest struct {
	AccountID string          `json:"account_id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Amount    decimal.Decimal `json:"amount"`
	QuoteID   string          `json:"quote_id"`
}

type txResponse struct {
	TxID   string        `json:"tx_id"`
	Status domain.Status `json:"status,omitempty"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.ID == "" {
		s.writeError(w, r, &domain.ValidationError{Reason: "id is required"})
		return
	}

	acc, err := s.svc.Ledger.CreateAccount(r.Context(), req.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newAccountResponse(acc))
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := s.svc.Ledger.Account(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAccountResponse(acc))
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	asset := domain.NormalizeSymbol(chi.URLParam(r, "asset"))

	amount, err := s.svc.Ledger.GetBalance(r.Context(), id, asset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{AccountID: id, Asset: asset, Amount: amount})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.svc.Ledger.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if history == nil {
		history = []domain.Transaction{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if !s.decode(w, r, &req) {
		return
	}

	txID, err := s.svc.Ledger.Deposit(r.Context(), req.AccountID, req.Asset, req.Amount, req.Ref)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, txResponse{TxID: txID, Status: domain.StatusCompleted})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !s.decode(w, r, &req) {
		return
	}

	txID, err := s.svc.Transfers.Transfer(r.Context(), req.From, req.To, req.Asset, req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, txResponse{TxID: txID, Status: domain.StatusCompleted})
}

func (s *Server) handleRequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req withdrawalRequest
	if !s.decode(w, r, &req) {
		return
	}

	txID, err := s.svc.Withdrawals.RequestWithdrawal(r.Context(), withdrawal.Request{
		AccountID: req.AccountID,
		Asset:     req.Asset,
		Network:   req.Network,
		Amount:    req.Amount,
		Address:   req.Address,
		Tier:      req.Tier,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, txResponse{TxID: txID, Status: domain.StatusPending})
}

func (s *Server) handleCancelWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !s.decode(w, r, &req) {
		return
	}

	txID := chi.URLParam(r, "id")
	if err := s.svc.Withdrawals.Cancel(r.Context(), req.AccountID, txID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txResponse{TxID: txID, Status: domain.StatusCancelled})
}

func (s *Server) handleFailWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if !s.decode(w, r, &req) {
		return
	}

	txID := chi.URLParam(r, "id")
	if err := s.svc.Withdrawals.Fail(r.Context(), txID, req.Reason); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txResponse{TxID: txID, Status: domain.StatusFailed})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if !s.decode(w, r, &req) {
		return
	}

	q, err := s.svc.Conversions.Quote(r.Context(), req.From, req.To, req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	var req conversionRequest
	if !s.decode(w, r, &req) {
		return
	}

	txID, err := s.svc.Conversions.Execute(r.Context(), req.AccountID, req.From, req.To, req.Amount, req.QuoteID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, txResponse{TxID: txID, Status: domain.StatusCompleted})
}

// decode reads a JSON body into dst, answering 400 itself on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, r, &domain.ValidationError{Reason: errors.Wrap(err, "malformed request body").Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
