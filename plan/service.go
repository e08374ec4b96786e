package plan

import (
	"fmt"
	"net/http"

	resp "github.com/sheetwork/billing/response"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

// ServiceOptions contains the configuration for the plan Service
type ServiceOptions struct {
	Catalog *Catalog
	Logger  *zap.Logger
}

// Service is the HTTP surface for the plan catalog
type Service struct {
	ServiceOptions
}

// NewService returns a new Service for plans
func NewService(option ServiceOptions) (*Service, error) {
	if option.Catalog == nil {
		return nil, fmt.Errorf("nil Catalog is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

func (s *Service) list(w http.ResponseWriter, r *http.Request) {
	resp.WriteResponse(w, r, s.Catalog.ListDefinedPlans())
}

// Router returns the plan routes
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/", s.list)

	return r
}
