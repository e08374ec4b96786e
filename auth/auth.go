package auth

import (
	"fmt"

	"github.com/dgrijalva/jwt-go"
	"go.uber.org/zap"
)

// ContextKey is a defined type to be used in context.Context containing the Claims
type ContextKey string

// Context is key used in context.Context containing the Claims
const Context ContextKey = "authContext"

// Environment is the type for defining the running environment
type Environment string

// define constants
const (
	EnvDevelopment Environment = "Dev"
	EnvProduction  Environment = "Prod"
)

// RoleType identifies what the caller is allowed to do within a company
type RoleType string

// Defining the role types issued by the identity service
const (
	RoleCompanyAuthor RoleType = "company_author"
	RoleCompanyMember RoleType = "company_member"
	RoleCompanyViewer RoleType = "company_viewer"
)

// Role is the caller's currently selected role. Role issuance and selection
// live in the identity service; this core only consumes the claim.
type Role struct {
	Type      RoleType `json:"type"`
	CompanyID string   `json:"companyId"`
}

// Claims is the struct for jwt token
type Claims struct {
	jwt.StandardClaims
	Email  string `json:"email"`
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

// Actor is the resolved caller identity handed to domain operations
type Actor struct {
	UserID string
	Role   Role
}

// ActorFromClaims resolves the Actor from verified Claims
func ActorFromClaims(claims *Claims) Actor {
	return Actor{
		UserID: claims.UserID,
		Role:   claims.Role,
	}
}

// Auth verifies tokens issued by the identity service
type Auth struct {
	Options
	jwtKey []byte
}

// Options provides initialization parameters for Auth
type Options struct {
	Logger *zap.Logger

	JWTSigningKey string
	Environment   Environment
}

// New returns an Auth for verifying bearer tokens
func New(option Options) (*Auth, error) {
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if len(option.JWTSigningKey) == 0 {
		return nil, fmt.Errorf("empty JWTSigningKey is invalid")
	}
	return &Auth{
		Options: option,
		jwtKey:  []byte(option.JWTSigningKey),
	}, nil
}
