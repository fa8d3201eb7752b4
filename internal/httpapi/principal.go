package httpapi

import "github.com/gin-gonic/gin"

// AuthType records which credential validated a request, adapted from the
// teacher's internal/domain/auth.Principal for the single-admin-account
// shape this service needs (SPEC_FULL.md §6 observability endpoints).
type AuthType int

const (
	BasicAuth AuthType = iota
	SessionAuth
	BearerAuth
)

func (a AuthType) String() string {
	switch a {
	case BasicAuth:
		return "basic"
	case SessionAuth:
		return "session"
	case BearerAuth:
		return "bearer"
	default:
		return "unknown"
	}
}

// Principal is the authenticated caller of an /admin request.
type Principal struct {
	ID       string
	AuthType AuthType
}

const principalKey = "httpapi.principal"

func setPrincipal(c *gin.Context, p *Principal) {
	c.Set(principalKey, p)
}

// GetPrincipal returns the authenticated principal, or nil if the request
// reached this point without passing through Authentication.
func GetPrincipal(c *gin.Context) *Principal {
	if v, ok := c.Get(principalKey); ok {
		if p, ok := v.(*Principal); ok {
			return p
		}
	}
	return nil
}
