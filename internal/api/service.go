// Package api exposes the pool ledger over HTTP.
//
// Amounts are lamports in uint64. Responses that carry balances repeat
// them as 9-decimal SOL strings; never float64 for money.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/pool-ledger/internal/address"
	"github.com/atmx/pool-ledger/internal/auth"
	"github.com/atmx/pool-ledger/internal/host"
	"github.com/atmx/pool-ledger/internal/ledger"
	"github.com/atmx/pool-ledger/internal/model"
	"github.com/atmx/pool-ledger/internal/safemath"
	"github.com/atmx/pool-ledger/internal/store"
)

// MaxRequestBytes caps request bodies.
const MaxRequestBytes = 4 << 10

// Service handles pool ledger requests.
type Service struct {
	prog   *ledger.Program
	host   *host.Host
	faucet bool
}

// NewService creates a new ledger HTTP service. The faucet endpoint only
// mints when faucetEnabled is set.
func NewService(prog *ledger.Program, h *host.Host, faucetEnabled bool) *Service {
	return &Service{prog: prog, host: h, faucet: faucetEnabled}
}

// Mount registers the ledger routes on r. Mutating routes require a
// verified caller.
func (s *Service) Mount(r chi.Router, verifier *auth.Verifier) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequestSize(MaxRequestBytes))
		r.Get("/accounts/{address}", s.GetAccount)
		r.Post("/faucet", s.Faucet)

		r.Route("/pools", func(r chi.Router) {
			r.With(verifier.Middleware).Post("/", s.InitPool)

			r.Route("/{pool}", func(r chi.Router) {
				r.Get("/", s.GetPool)
				r.Get("/balance", s.GetBalance)
				r.Get("/events", s.ListEvents)
				r.Get("/solvency", s.GetSolvency)
				r.Get("/users", s.ListUsers)
				r.Get("/users/{user}", s.GetUserLedger)
				r.Get("/users/{user}/balance", s.GetUserBalance)

				r.Group(func(r chi.Router) {
					r.Use(verifier.Middleware)
					r.Post("/users", s.InitUser)
					r.Post("/deposit", s.Deposit)
					r.Post("/withdraw", s.Withdraw)
					r.Post("/emergency-withdraw", s.EmergencyWithdraw)
					r.Post("/owner-deposit", s.OwnerDeposit)
					r.Post("/payout", s.Payout)
				})
			})
		})
	})
}

// --- Request/Response types ---

// PayoutRequest is the JSON body for POST /pools/{pool}/payout.
type PayoutRequest struct {
	Recipient address.Address `json:"recipient"`
	AmountRequest
}

// FaucetRequest is the JSON body for POST /faucet.
type FaucetRequest struct {
	Address address.Address `json:"address"`
	AmountRequest
}

// BalanceResponse reports a single balance.
type BalanceResponse struct {
	Address    address.Address `json:"address"`
	Balance    uint64          `json:"balance"`
	BalanceSOL string          `json:"balance_sol"`
}

// PoolResponse is a pool record plus its custody figures.
type PoolResponse struct {
	model.Pool
	Custodied       uint64 `json:"custodied"`
	Withdrawable    uint64 `json:"withdrawable"`
	WithdrawableSOL string `json:"withdrawable_sol"`
}

// UserLedgerResponse is a user ledger with its balance in SOL.
type UserLedgerResponse struct {
	model.UserLedger
	BalanceSOL string `json:"balance_sol"`
}

// AccountResponse is a host account with its lamports in SOL.
type AccountResponse struct {
	model.Account
	LamportsSOL string `json:"lamports_sol"`
}

// SweepResponse reports an emergency withdrawal.
type SweepResponse struct {
	Pool      address.Address `json:"pool"`
	Swept     uint64          `json:"swept"`
	SweptSOL  string          `json:"swept_sol"`
	Remaining uint64          `json:"remaining"`
}

func newUserLedgerResponse(ul *model.UserLedger) UserLedgerResponse {
	return UserLedgerResponse{UserLedger: *ul, BalanceSOL: ToSOL(ul.Balance)}
}

func newBalanceResponse(addr address.Address, balance uint64) BalanceResponse {
	return BalanceResponse{Address: addr, Balance: balance, BalanceSOL: ToSOL(balance)}
}

// --- Transitions ---

// InitPool handles POST /api/v1/pools. The caller becomes the authority.
func (s *Service) InitPool(w http.ResponseWriter, r *http.Request) {
	caller := mustCaller(r)
	pool, err := s.prog.InitPool(r.Context(), caller)
	if err != nil {
		writeLedgerError(w, r, "init_pool", err)
		return
	}
	writeJSON(w, http.StatusCreated, pool)
}

// InitUser handles POST /api/v1/pools/{pool}/users.
func (s *Service) InitUser(w http.ResponseWriter, r *http.Request) {
	poolAddr, ok := pathAddress(w, r, "pool")
	if !ok {
		return
	}
	ul, err := s.prog.InitUser(r.Context(), mustCaller(r), poolAddr)
	if err != nil {
		writeLedgerError(w, r, "init_user", err)
		return
	}
	writeJSON(w, http.StatusCreated, newUserLedgerResponse(ul))
}

// Deposit handles POST /api/v1/pools/{pool}/deposit.
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	poolAddr, amount, ok := poolAndAmount(w, r)
	if !ok {
		return
	}
	ul, err := s.prog.Deposit(r.Context(), mustCaller(r), poolAddr, amount)
	if err != nil {
		writeLedgerError(w, r, "deposit", err)
		return
	}
	writeJSON(w, http.StatusOK, newUserLedgerResponse(ul))
}

// Withdraw handles POST /api/v1/pools/{pool}/withdraw.
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	poolAddr, amount, ok := poolAndAmount(w, r)
	if !ok {
		return
	}
	ul, err := s.prog.Withdraw(r.Context(), mustCaller(r), poolAddr, amount)
	if err != nil {
		writeLedgerError(w, r, "withdraw", err)
		return
	}
	writeJSON(w, http.StatusOK, newUserLedgerResponse(ul))
}

// EmergencyWithdraw handles POST /api/v1/pools/{pool}/emergency-withdraw.
func (s *Service) EmergencyWithdraw(w http.ResponseWriter, r *http.Request) {
	poolAddr, ok := pathAddress(w, r, "pool")
	if !ok {
		return
	}
	swept, err := s.prog.EmergencyWithdraw(r.Context(), mustCaller(r), poolAddr)
	if err != nil {
		writeLedgerError(w, r, "emergency_withdraw", err)
		return
	}
	remaining, err := s.prog.Balance(r.Context(), poolAddr)
	if err != nil {
		writeLedgerError(w, r, "emergency_withdraw", err)
		return
	}
	writeJSON(w, http.StatusOK, SweepResponse{Pool: poolAddr, Swept: swept, SweptSOL: ToSOL(swept), Remaining: remaining})
}

// OwnerDeposit handles POST /api/v1/pools/{pool}/owner-deposit.
func (s *Service) OwnerDeposit(w http.ResponseWriter, r *http.Request) {
	poolAddr, amount, ok := poolAndAmount(w, r)
	if !ok {
		return
	}
	if err := s.prog.OwnerDeposit(r.Context(), mustCaller(r), poolAddr, amount); err != nil {
		writeLedgerError(w, r, "owner_deposit", err)
		return
	}
	s.writePoolBalance(w, r, poolAddr)
}

// Payout handles POST /api/v1/pools/{pool}/payout.
func (s *Service) Payout(w http.ResponseWriter, r *http.Request) {
	poolAddr, ok := pathAddress(w, r, "pool")
	if !ok {
		return
	}
	var req PayoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	amount, err := req.Lamports()
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.prog.Payout(r.Context(), mustCaller(r), poolAddr, req.Recipient, amount); err != nil {
		writeLedgerError(w, r, "payout", err)
		return
	}
	s.writePoolBalance(w, r, poolAddr)
}

// --- Queries ---

// GetPool handles GET /api/v1/pools/{pool}.
func (s *Service) GetPool(w http.ResponseWriter, r *http.Request) {
	poolAddr, ok := pathAddress(w, r, "pool")
	if !ok {
		return
	}
	pool, err := s.prog.Pool(r.Context(), poolAddr)
	if err != nil {
		writeLedgerError(w, r, "get_pool", err)
		return
	}
	acct, err := s.prog.Account(r.Context(), poolAddr)
	if err != nil {
		writeLedgerError(w, r, "get_pool", err)
		return
	}
	withdrawable := s.host.Rent().Withdrawable(acct.Lamports, acct.DataLen)
	writeJSON(w, http.StatusOK, PoolResponse{
		Pool:            *pool,
		Custodied:       acct.Lamports,
		Withdrawable:    withdrawable,
		WithdrawableSOL: ToSOL(withdrawable),
	})
}

// GetBalance handles GET /api/v1/pools/{pool}/balance.
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	poolAddr, ok := pathAddress(w, r, "pool")
	if !ok {
		return
	}
	s.writePoolBalance(w, r, poolAddr)
}

// GetUserLedger handles GET /api/v1/pools/{pool}/users/{user}.
func (s *Service) GetUserLedger(w http.ResponseWriter, r *http.Request) {
	poolAddr, user, ok := poolAndUser(w, r)
	if !ok {
		return
	}
	ul, err := s.prog.UserLedger(r.Context(), poolAddr, user)
	if err != nil {
		writeLedgerError(w, r, "get_user_ledger", err)
		return
	}
	writeJSON(w, http.StatusOK, newUserLedgerResponse(ul))
}

// GetUserBalance handles GET /api/v1/pools/{pool}/users/{user}/balance.
func (s *Service) GetUserBalance(w http.ResponseWriter, r *http.Request) {
	poolAddr, user, ok := poolAndUser(w, r)
	if !ok {
		return
	}
	balance, err := s.prog.UserBalance(r.Context(), poolAddr, user)
	if err != nil {
		writeLedgerError(w, r, "get_user_balance", err)
		return
	}
	writeJSON(w, http.StatusOK, newBalanceResponse(user, balance))
}

// ListUsers handles GET /api/v1/pools/{pool}/users.
func (s *Service) ListUsers(w http.ResponseWriter, r *http.Request) {
	poolAddr, ok := pathAddress(w, r, "pool")
	if !ok {
		return
	}
	ledgers, err := s.prog.Users(r.Context(), poolAddr)
	if err != nil {
		writeLedgerError(w, r, "list_users", err)
		return
	}
	resp := make([]UserLedgerResponse, 0, len(ledgers))
	for i := range ledgers {
		resp = append(resp, newUserLedgerResponse(&ledgers[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListEvents handles GET /api/v1/pools/{pool}/events?limit=N.
func (s *Service) ListEvents(w http.ResponseWriter, r *http.Request) {
	poolAddr, ok := pathAddress(w, r, "pool")
	if !ok {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	events, err := s.prog.Events(r.Context(), poolAddr, limit)
	if err != nil {
		writeLedgerError(w, r, "list_events", err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// GetSolvency handles GET /api/v1/pools/{pool}/solvency.
func (s *Service) GetSolvency(w http.ResponseWriter, r *http.Request) {
	poolAddr, ok := pathAddress(w, r, "pool")
	if !ok {
		return
	}
	report, err := s.prog.Solvency(r.Context(), poolAddr)
	if err != nil {
		writeLedgerError(w, r, "solvency", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GetAccount handles GET /api/v1/accounts/{address}.
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r, "address")
	if !ok {
		return
	}
	s.writeAccount(w, r, addr)
}

// Faucet handles POST /api/v1/faucet. Development only.
func (s *Service) Faucet(w http.ResponseWriter, r *http.Request) {
	if !s.faucet {
		writeError(w, "faucet disabled", http.StatusForbidden)
		return
	}
	var req FaucetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Address.IsZero() {
		writeError(w, "address is required", http.StatusBadRequest)
		return
	}
	amount, err := req.Lamports()
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.host.Airdrop(r.Context(), req.Address, amount); err != nil {
		writeLedgerError(w, r, "airdrop", err)
		return
	}
	s.writeAccount(w, r, req.Address)
}

func (s *Service) writeAccount(w http.ResponseWriter, r *http.Request, addr address.Address) {
	acct, err := s.prog.Account(r.Context(), addr)
	if err != nil {
		writeLedgerError(w, r, "get_account", err)
		return
	}
	writeJSON(w, http.StatusOK, AccountResponse{Account: *acct, LamportsSOL: ToSOL(acct.Lamports)})
}

func (s *Service) writePoolBalance(w http.ResponseWriter, r *http.Request, poolAddr address.Address) {
	balance, err := s.prog.Balance(r.Context(), poolAddr)
	if err != nil {
		writeLedgerError(w, r, "get_balance", err)
		return
	}
	writeJSON(w, http.StatusOK, newBalanceResponse(poolAddr, balance))
}

// --- Helpers ---

func mustCaller(r *http.Request) address.Address {
	caller, _ := auth.CallerFrom(r.Context())
	return caller
}

func pathAddress(w http.ResponseWriter, r *http.Request, param string) (address.Address, bool) {
	addr, err := address.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, "invalid "+param+" address", http.StatusBadRequest)
		return address.Zero, false
	}
	return addr, true
}

func poolAndUser(w http.ResponseWriter, r *http.Request) (address.Address, address.Address, bool) {
	poolAddr, ok := pathAddress(w, r, "pool")
	if !ok {
		return address.Zero, address.Zero, false
	}
	user, ok := pathAddress(w, r, "user")
	return poolAddr, user, ok
}

func poolAndAmount(w http.ResponseWriter, r *http.Request) (address.Address, uint64, bool) {
	poolAddr, ok := pathAddress(w, r, "pool")
	if !ok {
		return address.Zero, 0, false
	}
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return address.Zero, 0, false
	}
	amount, err := req.Lamports()
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return address.Zero, 0, false
	}
	return poolAddr, amount, true
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrUnauthorized), errors.Is(err, host.ErrMissingSigner):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrPoolNotFound), errors.Is(err, ledger.ErrUserLedgerNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrAlreadyInitialized), errors.Is(err, store.ErrAlreadyExists),
		errors.Is(err, store.ErrConflict), errors.Is(err, host.ErrAccountInUse):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidRecipient):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientBalance), errors.Is(err, host.ErrInsufficientLamports),
		errors.Is(err, host.ErrInsufficientFundsForRent), errors.Is(err, host.ErrTransferFromDataAccount),
		errors.Is(err, safemath.ErrOverflow), errors.Is(err, safemath.ErrUnderflow),
		errors.Is(err, ledger.ErrSeedsMismatch):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeLedgerError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("ledger operation failed", "op", op, "path", r.URL.Path, "err", err)
		writeError(w, "internal error", status)
		return
	}
	slog.Warn("ledger operation rejected", "op", op, "status", status, "err", err)
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
