package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/paygent-labs/paygent"
	"github.com/paygent-labs/paygent/approval"
	"github.com/paygent-labs/paygent/renewal"
)

type paymentRequest struct {
	ServiceURL    string          `json:"serviceUrl"`
	Amount        decimal.Decimal `json:"amount"`
	Token         string          `json:"token"`
	Description   string          `json:"description"`
	WalletAddress string          `json:"walletAddress"`
}

type approveRequest struct {
	Approver string `json:"approver"`
}

type rejectRequest struct {
	Approver string `json:"approver"`
	Reason   string `json:"reason"`
}

type editRequest struct {
	Approver    string          `json:"approver"`
	Amount      decimal.Decimal `json:"amount"`
	Token       string          `json:"token"`
	Description string          `json:"description"`
}

type decisionResponse struct {
	QuorumReached bool                    `json:"quorumReached"`
	Request       *paygent.ApprovalRequest `json:"request"`
}

type subscriptionRequest struct {
	WalletAddress       string          `json:"walletAddress"`
	ServiceID           string          `json:"serviceId"`
	ServiceURL          string          `json:"serviceUrl"`
	Amount              decimal.Decimal `json:"amount"`
	Token               string          `json:"token"`
	RenewalIntervalDays int             `json:"renewalIntervalDays"`
}

type outcomeView struct {
	SubscriptionID string   `json:"subscriptionId"`
	Renewed        bool     `json:"renewed"`
	Attempts       int      `json:"attempts"`
	TxRef          string   `json:"txRef,omitempty"`
	PaymentIDs     []string `json:"paymentIds,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// ============================================================================
// Payments
// ============================================================================

// createPayment runs a payment to completion. A failed payment answers 422
// with the result so the caller sees the kind and reason.
func (s *Server) createPayment(c echo.Context) error {
	var req paymentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	result, err := s.cfg.Payer.Execute(c.Request().Context(), paygent.PaymentIntent{
		ServiceURL:    req.ServiceURL,
		Amount:        req.Amount,
		Token:         req.Token,
		Description:   req.Description,
		WalletAddress: req.WalletAddress,
	})
	if err != nil {
		status := http.StatusUnprocessableEntity
		if paygent.KindOf(err) == paygent.KindInvalidIntent {
			status = http.StatusBadRequest
		}
		return c.JSON(status, result)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) getPayment(c echo.Context) error {
	rec, err := s.cfg.Payments.GetPayment(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

// ============================================================================
// Approvals
// ============================================================================

func (s *Server) listApprovals(c echo.Context) error {
	status := paygent.ApprovalDecision(c.QueryParam("status"))
	switch status {
	case "", paygent.DecisionPending, paygent.DecisionApproved, paygent.DecisionEdited,
		paygent.DecisionRejected, paygent.DecisionExpired:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown status "+string(status))
	}
	return c.JSON(http.StatusOK, s.cfg.Approvals.List(status))
}

func (s *Server) getApproval(c echo.Context) error {
	req, err := s.cfg.Approvals.Get(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, req)
}

func (s *Server) approve(c echo.Context) error {
	var body approveRequest
	if err := bindApprover(c, &body, func() string { return body.Approver }); err != nil {
		return err
	}
	id := c.Param("id")
	done, err := s.cfg.Approvals.AddApproval(id, body.Approver)
	if err != nil {
		return httpError(err)
	}
	return s.decision(c, id, done)
}

func (s *Server) reject(c echo.Context) error {
	var body rejectRequest
	if err := bindApprover(c, &body, func() string { return body.Approver }); err != nil {
		return err
	}
	id := c.Param("id")
	if err := s.cfg.Approvals.Reject(id, body.Approver, body.Reason); err != nil {
		return httpError(err)
	}
	return s.decision(c, id, true)
}

func (s *Server) edit(c echo.Context) error {
	var body editRequest
	if err := bindApprover(c, &body, func() string { return body.Approver }); err != nil {
		return err
	}
	id := c.Param("id")
	done, err := s.cfg.Approvals.EditAndApprove(id, body.Approver, paygent.PaymentIntent{
		Amount:      body.Amount,
		Token:       body.Token,
		Description: body.Description,
	})
	if err != nil {
		return httpError(err)
	}
	return s.decision(c, id, done)
}

func (s *Server) revoke(c echo.Context) error {
	var body approveRequest
	if err := bindApprover(c, &body, func() string { return body.Approver }); err != nil {
		return err
	}
	id := c.Param("id")
	if err := s.cfg.Approvals.RevokeApproval(id, body.Approver); err != nil {
		return httpError(err)
	}
	return s.decision(c, id, false)
}

func (s *Server) decision(c echo.Context, id string, done bool) error {
	req, err := s.cfg.Approvals.Get(id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, decisionResponse{QuorumReached: done, Request: req})
}

func bindApprover(c echo.Context, body any, approver func() string) error {
	if err := c.Bind(body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(approver()) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "approver is required")
	}
	return nil
}

// ============================================================================
// Budget
// ============================================================================

func (s *Server) getBudget(c echo.Context) error {
	wallet := c.Param("wallet")
	if !common.IsHexAddress(wallet) {
		return echo.NewHTTPError(http.StatusBadRequest, "wallet is not a hex address")
	}
	return c.JSON(http.StatusOK, s.cfg.Budgets.State(wallet))
}

// ============================================================================
// Subscriptions
// ============================================================================

func (s *Server) listSubscriptions(c echo.Context) error {
	subs, err := s.cfg.Subscriptions.ListSubscriptions(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, subs)
}

func (s *Server) createSubscription(c echo.Context) error {
	var req subscriptionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sub, err := s.cfg.Renewals.Subscribe(c.Request().Context(), paygent.Subscription{
		WalletAddress:       req.WalletAddress,
		ServiceID:           req.ServiceID,
		ServiceURL:          req.ServiceURL,
		Amount:              req.Amount,
		Token:               req.Token,
		RenewalIntervalDays: req.RenewalIntervalDays,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, sub)
}

func (s *Server) cancelSubscription(c echo.Context) error {
	sub, err := s.cfg.Renewals.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sub)
}

func (s *Server) renewAll(c echo.Context) error {
	outcomes, err := s.cfg.Renewals.RenewAll(c.Request().Context(), s.cfg.RenewWithinHours, s.cfg.RenewMaxAttempts)
	if err != nil {
		return httpError(err)
	}
	views := make([]outcomeView, 0, len(outcomes))
	for _, o := range outcomes {
		v := outcomeView{
			SubscriptionID: o.SubscriptionID,
			Renewed:        o.Renewed,
			Attempts:       o.Attempts,
			TxRef:          o.TxRef,
			PaymentIDs:     o.PaymentIDs,
		}
		if o.LastError != nil {
			v.Error = o.LastError.Error()
		}
		views = append(views, v)
	}
	return c.JSON(http.StatusOK, views)
}

// httpError maps domain errors onto HTTP statuses
func httpError(err error) error {
	switch {
	case errors.Is(err, paygent.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, paygent.ErrTerminalState), errors.Is(err, renewal.ErrRenewalInProgress):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, approval.ErrEmptyApprover), paygent.KindOf(err) == paygent.KindInvalidIntent:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error()).SetInternal(err)
}
