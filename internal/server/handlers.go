package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"payrails/internal/payment"
	"payrails/internal/transaction"
)

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

type paymentListResponse struct {
	Transactions []payment.Transaction `json:"transactions"`
	Count        int                   `json:"count"`
}

type statisticsResponse struct {
	transaction.Statistics
	ProblematicIDs []string `json:"problematicIds"`
}

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	var req payment.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.metrics.incPayment("invalid")
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}

	tx, err := s.payments.InitiatePayment(r.Context(), req)
	if err != nil {
		var verr *payment.ValidationError
		switch {
		case errors.As(err, &verr):
			s.metrics.incPayment("invalid")
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Error(), Field: verr.Field})
		case errors.Is(err, payment.ErrShuttingDown):
			s.metrics.incPayment("unavailable")
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			s.metrics.incPayment("error")
			s.logger.Error("initiate payment", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to initiate payment")
		}
		return
	}

	s.metrics.incPayment("created")
	writeJSON(w, http.StatusCreated, tx)
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	history := s.payments.GetTransactionHistory()

	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := transaction.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		matching := make(map[string]struct{})
		for _, id := range s.manager.GetTransactionsByStatus(status) {
			matching[id] = struct{}{}
		}
		filtered := make([]payment.Transaction, 0, len(matching))
		for _, tx := range history {
			if _, ok := matching[tx.ID]; ok {
				filtered = append(filtered, tx)
			}
		}
		history = filtered
	}

	writeJSON(w, http.StatusOK, paymentListResponse{Transactions: history, Count: len(history)})
}

func (s *Server) handleClearPayments(w http.ResponseWriter, _ *http.Request) {
	if err := s.payments.ClearTransactionHistory(); err != nil {
		s.logger.Error("clear payment history", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to clear history")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	tx, ok := s.payments.GetTransaction(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, payment.ErrNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	progress, ok := s.payments.GetPaymentProgress(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, payment.ErrNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (s *Server) handleCancelPayment(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cancelled, err := s.payments.CancelPayment(id)
	switch {
	case errors.Is(err, payment.ErrNotFound):
		s.metrics.incCancel("not_found")
		writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		s.metrics.incCancel("error")
		s.logger.Error("cancel payment", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to cancel payment")
		return
	case !cancelled:
		s.metrics.incCancel("rejected")
		writeError(w, http.StatusConflict, "payment can no longer be cancelled")
		return
	}

	s.metrics.incCancel("cancelled")
	tx, _ := s.payments.GetTransaction(id)
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleRetryPayment(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	tx, err := s.payments.RetryPayment(r.Context(), id)
	switch {
	case errors.Is(err, payment.ErrNotFound):
		s.metrics.incRetry("not_found")
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, payment.ErrNotRetryable):
		s.metrics.incRetry("rejected")
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, payment.ErrShuttingDown):
		s.metrics.incRetry("unavailable")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		s.metrics.incRetry("error")
		s.logger.Error("retry payment", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to retry payment")
	default:
		s.metrics.incRetry("created")
		writeJSON(w, http.StatusCreated, tx)
	}
}

func (s *Server) handleFees(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	amount, err := decimal.NewFromString(strings.TrimSpace(q.Get("amount")))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "amount must be a decimal number", Field: "amount"})
		return
	}
	currency := strings.ToUpper(strings.TrimSpace(q.Get("currency")))
	if currency == "" {
		currency = "USD"
	}
	writeJSON(w, http.StatusOK, s.payments.EstimateFees(r.Context(), payment.Request{Amount: amount, Currency: currency}))
}

func (s *Server) handleStatistics(w http.ResponseWriter, _ *http.Request) {
	stats := s.RefreshGauges()
	writeJSON(w, http.StatusOK, statisticsResponse{
		Statistics:     stats,
		ProblematicIDs: s.manager.GetProblematicTransactions(),
	})
}

type componentHealth struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

type healthResponse struct {
	Status      string                     `json:"status"`
	Components  map[string]componentHealth `json:"components"`
	Problematic int                        `json:"problematic"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := true
	components := make(map[string]componentHealth, len(s.checks))
	for name, check := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		start := time.Now()
		err := check(ctx)
		cancel()

		info := componentHealth{Connected: err == nil}
		if err != nil {
			info.Error = err.Error()
			healthy = false
		} else {
			info.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
		components[name] = info
	}

	stats := s.RefreshGauges()
	resp := healthResponse{Status: "healthy", Components: components, Problematic: stats.Problematic}
	status := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
