package payment

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"strconv"

	"github.com/sheetwork/billing/auth"
	"github.com/sheetwork/billing/gateway"
	"github.com/sheetwork/billing/health"
	resp "github.com/sheetwork/billing/response"

	"github.com/go-chi/chi"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// webhook payloads from the processor are small; anything larger is abuse
const maxWebhookBodyBytes = 65536

// ServiceOptions contains the configuration for the payment Service
type ServiceOptions struct {
	Orchestrator *Orchestrator
	Reconciler   *Reconciler
	Gateway      gateway.Gateway
	Logger       *zap.Logger
}

// Service is the HTTP surface for payment collection and the webhook receiver
type Service struct {
	ServiceOptions
	validate *validator.Validate
}

// NewService returns a new Service for payments
func NewService(option ServiceOptions) (*Service, error) {
	if option.Orchestrator == nil {
		return nil, fmt.Errorf("nil Orchestrator is invalid")
	}
	if option.Reconciler == nil {
		return nil, fmt.Errorf("nil Reconciler is invalid")
	}
	if option.Gateway == nil {
		return nil, fmt.Errorf("nil Gateway is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
		validate:       validator.New(),
	}, nil
}

func (s *Service) writeBillingError(w http.ResponseWriter, r *http.Request, err error) {
	if e, ok := resp.AsError(err); ok {
		resp.WriteError(w, r, e)
		return
	}
	s.Logger.Error("Unexpected error from payment operation",
		zap.Error(err),
	)
	resp.WriteError(w, r, resp.ErrUnexpected())
}

// CreateIntentRequest asks for payment collection toward a plan
type CreateIntentRequest struct {
	PlanID string `json:"planId" validate:"required"`
}

func (s *Service) createIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	claims := ctx.Value(auth.Context).(*auth.Claims)
	actor := auth.ActorFromClaims(claims)

	var req CreateIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("planId is required"))
		return
	}

	result, err := s.Orchestrator.CreatePayment(ctx, actor, req.PlanID)
	if err != nil {
		health.PaymentIntentsTotal.WithLabelValues("error").Inc()
		s.writeBillingError(w, r, err)
		return
	}

	health.PaymentIntentsTotal.WithLabelValues("ok").Inc()
	resp.WriteResponse(w, r, result)
}

// ConfirmIntentRequest settles a payment intent the client completed
type ConfirmIntentRequest struct {
	PaymentIntentID string `json:"paymentIntentId" validate:"required"`
}

func (s *Service) confirmIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ConfirmIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("paymentIntentId is required"))
		return
	}

	result, err := s.Orchestrator.ConfirmPayment(ctx, req.PaymentIntentID)
	if err != nil {
		health.PaymentConfirmsTotal.WithLabelValues("error").Inc()
		s.writeBillingError(w, r, err)
		return
	}

	health.PaymentConfirmsTotal.WithLabelValues("ok").Inc()
	resp.WriteResponse(w, r, result)
}

func (s *Service) listTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	claims := ctx.Value(auth.Context).(*auth.Claims)
	actor := auth.ActorFromClaims(claims)

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	txns, err := s.Orchestrator.ListTransactions(ctx, actor, limit)
	if err != nil {
		s.writeBillingError(w, r, err)
		return
	}
	resp.WriteResponse(w, r, txns)
}

// Webhook receives processor notifications. Mounted without authentication;
// the signature check is the authentication. 200 is written only after the
// event is durably accounted for, so the processor redelivers on any failure.
func (s *Service) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := ioutil.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		health.WebhookEventsTotal.WithLabelValues("unknown", "rejected").Inc()
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	evt, err := s.Gateway.VerifyEvent(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		s.Logger.Warn("Rejected webhook delivery with bad signature",
			zap.Error(err),
		)
		health.WebhookEventsTotal.WithLabelValues("unknown", "rejected").Inc()
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := s.Reconciler.Handle(r.Context(), evt); err != nil {
		s.Logger.Error("Unable to reconcile webhook event",
			zap.Error(err),
			zap.String("EventID", evt.ID),
			zap.String("EventType", string(evt.Kind)),
		)
		health.WebhookEventsTotal.WithLabelValues(string(evt.Kind), "error").Inc()
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	health.WebhookEventsTotal.WithLabelValues(string(evt.Kind), "ok").Inc()
	w.WriteHeader(http.StatusOK)
}

// Router returns the authenticated payment routes
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/transactions", s.listTransactions)
	r.Post("/intent", s.createIntent)
	r.Post("/confirm", s.confirmIntent)

	return r
}
