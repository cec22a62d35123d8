package auth

import (
	"fmt"

	"github.com/KevinKickass/OpenLightCore/internal/config"
)

type Permission string

const (
	PermViewer   Permission = "viewer"
	PermOperator Permission = "operator"
	PermAdmin    Permission = "admin"
)

// AuthService issues and checks bearer tokens for the control surface.
// With auth disabled every request is treated as admin.
type AuthService struct {
	enabled    bool
	jwtHandler *JWTHandler
}

func NewAuthService(cfg config.AuthConfig) *AuthService {
	return &AuthService{
		enabled:    cfg.Enabled,
		jwtHandler: NewJWTHandler(cfg.GetJWTSecret(), cfg.TokenTTL),
	}
}

func (a *AuthService) Enabled() bool {
	return a.enabled
}

// IssueToken creates a token for subject. Role must be viewer, operator or admin.
func (a *AuthService) IssueToken(subject, role string) (string, error) {
	switch Permission(role) {
	case PermViewer, PermOperator, PermAdmin:
	default:
		return "", fmt.Errorf("unknown role %q", role)
	}
	return a.jwtHandler.GenerateAccessToken(subject, role)
}

// ValidateToken returns the permissions granted by token.
func (a *AuthService) ValidateToken(token string) ([]Permission, *JWTClaims, error) {
	claims, err := a.jwtHandler.ValidateAccessToken(token)
	if err != nil {
		return nil, nil, err
	}
	return a.roleToPermissions(claims.Role), claims, nil
}

func (a *AuthService) roleToPermissions(role string) []Permission {
	switch Permission(role) {
	case PermAdmin:
		return []Permission{PermViewer, PermOperator, PermAdmin}
	case PermOperator:
		return []Permission{PermViewer, PermOperator}
	default:
		return []Permission{PermViewer}
	}
}
