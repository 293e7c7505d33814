// server.go - REST surface of the vault daemon
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"github.com/veilcash/vault/internal/bridge"
	"github.com/veilcash/vault/internal/orchestrator"
	"github.com/veilcash/vault/internal/relayer"
	"github.com/veilcash/vault/internal/store"
	"github.com/veilcash/vault/internal/vault"
)

var errVaultLocked = errors.New("vault locked: POST /unlock with a wallet signature")

// sessionKeys holds the key pair derived from the session's wallet
// signature. The signature itself is discarded after derivation; the
// spending key never leaves this process.
type sessionKeys struct {
	mu sync.Mutex
	kp *vault.KeyPair
}

// Unlock implements orchestrator.KeyService.
func (s *sessionKeys) Unlock(ctx context.Context) (*vault.KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kp == nil {
		return nil, errVaultLocked
	}
	return s.kp, nil
}

func (s *sessionKeys) set(signature []byte) (*vault.KeyPair, error) {
	kp, err := vault.DeriveKeys(signature)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.kp = kp
	s.mu.Unlock()
	return kp, nil
}

func (s *sessionKeys) owner() (vault.PublicKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kp == nil {
		return vault.PublicKey{}, false
	}
	return s.kp.Pk, true
}

// allowanceApprover satisfies the deposit pipeline's approval step. The
// actual on-chain allowance transaction is signed by the user's wallet; the
// daemon only records that the step ran.
type allowanceApprover struct {
	log *Logger
}

func (a *allowanceApprover) Approve(ctx context.Context, assetID fr.Element, amount *big.Int) error {
	a.log.Info("spending allowance requested: asset=%s amount=%s", assetID.String(), amount.String())
	return nil
}

// Server wires the vault components behind the REST API
type Server struct {
	cfg     *Config
	log     *Logger
	metrics *MetricsCollector
	health  *HealthChecker
	limiter *ClientRateLimiter
	notes   *store.Store
	orch    *orchestrator.Orchestrator
	relayer relayer.OutputSource
	bridge  *bridge.Coordinator
	keys    *sessionKeys
}

// Routes builds the daemon's HTTP handler
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("POST /unlock", s.handleUnlock)
	mux.HandleFunc("GET /balance/{asset}", s.handleBalance)
	mux.HandleFunc("GET /notes/{asset}", s.handleNotes)
	mux.HandleFunc("GET /operation", s.handleOperation)
	mux.HandleFunc("DELETE /operation", s.handleReset)
	mux.HandleFunc("POST /deposit", s.handleDeposit)
	mux.HandleFunc("POST /withdraw", s.handleWithdraw)
	mux.HandleFunc("POST /transfer", s.handleTransfer)
	mux.HandleFunc("POST /bridge/quote", s.handleBridgeQuote)
	mux.HandleFunc("POST /bridge/order", s.handleBridgeOrder)
	mux.HandleFunc("GET /bridge/order", s.handleBridgeStatus)
	mux.HandleFunc("POST /scan", s.handleScan)
	mux.HandleFunc("POST /reconcile", s.handleReconcile)
	return s.rateLimit(mux)
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			client = r.RemoteAddr
		}
		if !s.limiter.Allow(client) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		s.metrics.RecordRequest(r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.health.CheckHealth()
	status := http.StatusOK
	if health.OverallStatus == Unhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.GetMetricsSummary())
}

type unlockRequest struct {
	Signature string `json:"signature"` // hex-encoded wallet signature
}

type unlockResponse struct {
	Address [4]string `json:"address"` // packed public key limbs
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var req unlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	sig, err := hex.DecodeString(req.Signature)
	if err != nil {
		writeError(w, http.StatusBadRequest, "signature must be hex")
		return
	}
	kp, err := s.keys.set(sig)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limbs := vault.PackPublicKey(kp.Pk)
	var resp unlockResponse
	for i := range limbs {
		resp.Address[i] = limbs[i].String()
	}
	s.log.Audit("vault_unlocked", map[string]interface{}{"address": resp.Address[0]})
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.keys.owner()
	if !ok {
		writeError(w, http.StatusUnauthorized, errVaultLocked.Error())
		return
	}
	asset := r.PathValue("asset")
	balance, err := s.notes.ShieldedBalance(owner, vault.AssetID(asset))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"asset": asset, "balance": balance.String()})
}

type noteView struct {
	Commitment string    `json:"commitment"`
	Amount     string    `json:"amount"`
	BatchID    string    `json:"batch_id"`
	CreatedAt  time.Time `json:"created_at"`
	Indexed    bool      `json:"indexed"`
}

func (s *Server) handleNotes(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.keys.owner()
	if !ok {
		writeError(w, http.StatusUnauthorized, errVaultLocked.Error())
		return
	}
	asset := r.PathValue("asset")
	notes, err := s.notes.UnspentNotes(owner, vault.AssetID(asset))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.metrics.SetUnspentNotes(asset, len(notes))

	views := make([]noteView, 0, len(notes))
	for _, n := range notes {
		views = append(views, noteView{
			Commitment: n.Commitment.String(),
			Amount:     n.Note.Amount().String(),
			BatchID:    n.BatchID,
			CreatedAt:  n.CreatedAt,
			Indexed:    len(n.MerklePath) > 0,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

type operationView struct {
	Kind          string `json:"kind,omitempty"`
	Phase         string `json:"phase"`
	Message       string `json:"message,omitempty"`
	Progress      int    `json:"progress"`
	Error         string `json:"error,omitempty"`
	BatchID       string `json:"batch_id,omitempty"`
	QueuePosition int    `json:"queue_position"`
	TxHash        string `json:"tx_hash,omitempty"`
}

func operationViewOf(op orchestrator.Operation) operationView {
	return operationView{
		Kind:          string(op.Kind),
		Phase:         string(op.Phase),
		Message:       op.Message,
		Progress:      op.Progress,
		Error:         op.Err,
		BatchID:       op.BatchID,
		QueuePosition: op.QueuePosition,
		TxHash:        op.TxHash,
	}
}

func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, operationViewOf(s.orch.Snapshot()))
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.orch.Reset()
	s.log.Info("operation state reset")
	writeJSON(w, http.StatusOK, operationViewOf(s.orch.Snapshot()))
}

type depositRequest struct {
	Amount string `json:"amount"`
	Asset  string `json:"asset"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad amount")
		return
	}
	if err := s.orch.Deposit(amount, req.Asset); err != nil {
		s.startRejected(w, "deposit", err)
		return
	}
	s.metrics.RecordOperation("deposit")
	s.log.Audit("deposit_started", map[string]interface{}{"asset": req.Asset, "amount": req.Amount})
	writeJSON(w, http.StatusAccepted, operationViewOf(s.orch.Snapshot()))
}

type withdrawRequest struct {
	Commitment string `json:"commitment"`
	ToAddress  string `json:"to_address"`
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	cm, err := vault.ParseElement(req.Commitment)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.orch.Withdraw(cm, req.ToAddress); err != nil {
		s.startRejected(w, "withdraw", err)
		return
	}
	s.metrics.RecordOperation("withdraw")
	s.log.Audit("withdraw_started", map[string]interface{}{"commitment": req.Commitment, "to": req.ToAddress})
	writeJSON(w, http.StatusAccepted, operationViewOf(s.orch.Snapshot()))
}

type transferRequest struct {
	Amount    string    `json:"amount"`
	Asset     string    `json:"asset"`
	Recipient [4]string `json:"recipient"` // packed public key limbs
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad amount")
		return
	}
	var recipient [4]fr.Element
	for i, limb := range req.Recipient {
		el, err := vault.ParseElement(limb)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		recipient[i] = el
	}
	if err := s.orch.Transfer(amount, req.Asset, recipient); err != nil {
		s.startRejected(w, "transfer", err)
		return
	}
	s.metrics.RecordOperation("transfer")
	s.log.Audit("transfer_started", map[string]interface{}{"asset": req.Asset, "amount": req.Amount})
	writeJSON(w, http.StatusAccepted, operationViewOf(s.orch.Snapshot()))
}

func (s *Server) startRejected(w http.ResponseWriter, kind string, err error) {
	s.metrics.RecordOperationError(kind)
	status := http.StatusBadRequest
	if errors.Is(err, orchestrator.ErrOperationInProgress) {
		status = http.StatusConflict
	}
	writeError(w, status, err.Error())
}

type bridgeQuoteRequest struct {
	Amount string `json:"amount"`
}

func (s *Server) handleBridgeQuote(w http.ResponseWriter, r *http.Request) {
	var req bridgeQuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad amount")
		return
	}
	quote, err := s.bridge.FetchQuote(r.Context(), amount)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"fee":                quote.Fee.String(),
		"destination_amount": quote.DestinationAmount.String(),
		"estimated_seconds":  quote.EstimatedSeconds,
	})
}

type bridgeOrderRequest struct {
	SourceAddress      string `json:"source_address"`
	DestinationAddress string `json:"destination_address"`
	Amount             string `json:"amount"`
}

func (s *Server) handleBridgeOrder(w http.ResponseWriter, r *http.Request) {
	var req bridgeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad amount")
		return
	}
	order, err := s.bridge.CreateOrder(r.Context(), req.SourceAddress, req.DestinationAddress, amount)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, bridge.ErrNoQuote) || errors.Is(err, bridge.ErrOrderInFlight) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	s.metrics.RecordBridgeOrder(string(order.Status))
	s.log.Audit("bridge_order_created", map[string]interface{}{"order": order.ID, "amount": req.Amount})

	// Track the order in the background; on completion the coordinator
	// hands the output amount to the deposit flow.
	go func() {
		final, err := s.bridge.Run(context.Background())
		if err != nil {
			s.log.Warn("bridge order tracking stopped: %v", err)
			return
		}
		s.metrics.RecordBridgeOrder(string(final.Status))
		s.log.Info("bridge order %s finished: %s", final.ID, final.Status)
	}()

	writeJSON(w, http.StatusAccepted, bridgeOrderView(order))
}

func bridgeOrderView(o *bridge.Order) map[string]interface{} {
	v := map[string]interface{}{
		"id":                     o.ID,
		"deposit_address":        o.DepositAddress,
		"status":                 string(o.Status),
		"confirmations":          o.Confirmations,
		"required_confirmations": o.RequiredConfirmations,
		"source_tx_hash":         o.SourceTxHash,
		"destination_tx_hash":    o.DestinationTxHash,
	}
	if o.OutputAmount != nil {
		v["output_amount"] = o.OutputAmount.String()
	}
	return v
}

func (s *Server) handleBridgeStatus(w http.ResponseWriter, r *http.Request) {
	order := s.bridge.Snapshot()
	if order == nil {
		writeError(w, http.StatusNotFound, "no bridge order")
		return
	}
	writeJSON(w, http.StatusOK, bridgeOrderView(order))
}

type scanRequest struct {
	BatchID string `json:"batch_id"`
}

// handleScan claims announced batch outputs addressed to the session key.
// Claiming is idempotent: re-scanning a batch never duplicates a note.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.keys.owner()
	if !ok {
		writeError(w, http.StatusUnauthorized, errVaultLocked.Error())
		return
	}
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	outputs, err := s.relayer.BatchOutputs(r.Context(), req.BatchID)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	claimed := 0
	for _, out := range outputs {
		note, ok, err := s.recognize(owner, out)
		if err != nil {
			s.log.Warn("malformed batch output in %s: %v", req.BatchID, err)
			continue
		}
		if !ok {
			continue
		}
		if err := s.notes.Insert(owner, note, req.BatchID); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		claimed++
	}
	s.metrics.RecordClaimedNotes(claimed)
	if claimed > 0 {
		s.log.Info("claimed %d incoming notes from batch %s", claimed, req.BatchID)
	}
	writeJSON(w, http.StatusOK, map[string]int{"claimed": claimed})
}

func (s *Server) recognize(owner vault.PublicKey, out relayer.AnnouncedOutput) (*vault.Note, bool, error) {
	var limbs [4]fr.Element
	for i, limb := range out.Owner {
		el, err := vault.ParseElement(limb)
		if err != nil {
			return nil, false, err
		}
		limbs[i] = el
	}
	asset, err := vault.ParseElement(out.AssetID)
	if err != nil {
		return nil, false, err
	}
	lo, err := vault.ParseElement(out.AmountLo)
	if err != nil {
		return nil, false, err
	}
	hi, err := vault.ParseElement(out.AmountHi)
	if err != nil {
		return nil, false, err
	}
	blinding, err := vault.ParseElement(out.Blinding)
	if err != nil {
		return nil, false, err
	}
	cm, err := vault.ParseElement(out.Commitment)
	if err != nil {
		return nil, false, err
	}
	note, ok := vault.RecognizeOutput(owner, limbs, asset, lo, hi, blinding, cm)
	return note, ok, nil
}

// handleReconcile re-derives local spent flags from the on-chain nullifier
// set, healing a store left inconsistent by a crash mid-operation.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	s.keys.mu.Lock()
	kp := s.keys.kp
	s.keys.mu.Unlock()
	if kp == nil {
		writeError(w, http.StatusUnauthorized, errVaultLocked.Error())
		return
	}

	ctx := r.Context()
	healed, err := s.notes.Reconcile(kp.Pk, kp.Sk, func(nf fr.Element) bool {
		seen, err := s.relayer.NullifierSeen(ctx, nf.String())
		if err != nil {
			s.log.Warn("nullifier lookup failed: %v", err)
			return false
		}
		return seen
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if healed > 0 {
		s.log.Info("reconciled %d notes against on-chain nullifiers", healed)
	}
	writeJSON(w, http.StatusOK, map[string]int{"healed": healed})
}
