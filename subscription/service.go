package subscription

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/sheetwork/billing/auth"
	resp "github.com/sheetwork/billing/response"

	"github.com/go-chi/chi"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// ServiceOptions contains the configuration for the subscription Service
type ServiceOptions struct {
	Lifecycle *Lifecycle
	Logger    *zap.Logger
}

// Service is the HTTP surface for managing a company's subscription
type Service struct {
	ServiceOptions
	validate *validator.Validate
}

// NewService returns a new Service for subscriptions
func NewService(option ServiceOptions) (*Service, error) {
	if option.Lifecycle == nil {
		return nil, fmt.Errorf("nil Lifecycle is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
		validate:       validator.New(),
	}, nil
}

func (s *Service) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if e, ok := resp.AsError(err); ok {
		resp.WriteError(w, r, e)
		return
	}
	s.Logger.Error("Unexpected error from subscription operation",
		zap.Error(err),
	)
	resp.WriteError(w, r, resp.ErrUnexpected())
}

func (s *Service) getActive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	sub, err := s.Lifecycle.GetActiveSubscription(ctx, auth.ActorFromClaims(claims))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp.WriteResponse(w, r, sub)
}

// UpgradeRequest asks to move the company onto a different plan
type UpgradeRequest struct {
	PlanID string `json:"planId" validate:"required"`
}

func (s *Service) upgrade(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	var req UpgradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("planId is required"))
		return
	}

	result, err := s.Lifecycle.UpgradeSubscription(ctx, auth.ActorFromClaims(claims), req.PlanID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp.WriteResponse(w, r, result)
}

func (s *Service) cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	subscriptionID := chi.URLParam(r, "id")
	immediate := r.URL.Query().Get("immediate") == "true"

	sub, err := s.Lifecycle.CancelSubscription(ctx, auth.ActorFromClaims(claims), subscriptionID, immediate)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp.WriteResponse(w, r, sub)
}

func (s *Service) renew(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	subscriptionID := chi.URLParam(r, "id")

	sub, err := s.Lifecycle.RenewSubscription(ctx, auth.ActorFromClaims(claims), subscriptionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp.WriteResponse(w, r, sub)
}

// TrialRequest asks to start a trial on a plan without payment
type TrialRequest struct {
	PlanID    string `json:"planId" validate:"required"`
	TrialDays int64  `json:"trialDays" validate:"required,min=1"`
}

func (s *Service) trial(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	var req TrialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("planId and trialDays are required"))
		return
	}

	sub, err := s.Lifecycle.CreateTrialSubscription(ctx, auth.ActorFromClaims(claims), req.PlanID, req.TrialDays)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp.WriteResponse(w, r, sub)
}

func (s *Service) history(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	subs, err := s.Lifecycle.ListSubscriptionHistory(ctx, auth.ActorFromClaims(claims), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp.WriteResponse(w, r, subs)
}

func (s *Service) usageReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	report, err := s.Lifecycle.GetUsageReport(ctx, auth.ActorFromClaims(claims))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp.WriteResponse(w, r, report)
}

// Router returns the authenticated subscription routes
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/", s.getActive)
	r.Get("/history", s.history)
	r.Get("/usage", s.usageReport)
	r.Post("/upgrade", s.upgrade)
	r.Post("/trial", s.trial)
	r.Post("/{id}/renew", s.renew)
	r.Delete("/{id}", s.cancel)

	return r
}
