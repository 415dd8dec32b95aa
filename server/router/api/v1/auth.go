package v1

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	apierr "github.com/wkchat/wkchat/server/internal/errors"
)

// SessionCookieName is the HTTP-only cookie carrying the session id.
const SessionCookieName = "wkchat_session"

// sessionSet keeps issued session ids for the process lifetime. Sessions are
// deliberately not persisted; a restart logs everyone out.
type sessionSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newSessionSet() *sessionSet {
	return &sessionSet{ids: make(map[string]struct{})}
}

func (s *sessionSet) issue() string {
	id := uuid.New().String()
	s.mu.Lock()
	s.ids[id] = struct{}{}
	s.mu.Unlock()
	return id
}

func (s *sessionSet) valid(id string) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	_, ok := s.ids[id]
	s.mu.Unlock()
	return ok
}

func (s *sessionSet) revoke(id string) {
	s.mu.Lock()
	delete(s.ids, id)
	s.mu.Unlock()
}

type loginRequest struct {
	Password string `json:"password"`
}

// Login exchanges the shared password for a session cookie. The password is
// the API token unless a dedicated login password is configured.
func (s *APIV1Service) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return apierr.InvalidJSON(err)
	}
	expected := s.Profile.SessionPassword()
	if expected == "" {
		return apierr.Unauthorized("login is not configured")
	}
	if subtle.ConstantTimeCompare([]byte(req.Password), []byte(expected)) != 1 {
		return apierr.Unauthorized("wrong password")
	}

	id := s.sessions.issue()
	c.SetCookie(&http.Cookie{
		Name:     SessionCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !s.Profile.IsDev(),
	})
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

// Logout revokes the presented session, if any.
func (s *APIV1Service) Logout(c echo.Context) error {
	if cookie, err := c.Cookie(SessionCookieName); err == nil {
		s.sessions.revoke(cookie.Value)
	}
	c.SetCookie(&http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

// Me reports whether the caller holds a valid credential.
func (s *APIV1Service) Me(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"authenticated": s.authenticated(c),
	})
}

// requireAuth guards the protected API group. A bearer token and a session
// cookie are interchangeable; the SSE endpoint additionally accepts the token
// as a query parameter because EventSource cannot set headers.
func (s *APIV1Service) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !s.authenticated(c) {
			return apierr.Unauthorized("missing or invalid credential")
		}
		return next(c)
	}
}

func (s *APIV1Service) authenticated(c echo.Context) bool {
	token := s.Profile.APIToken
	if token != "" {
		header := c.Request().Header.Get("Authorization")
		if strings.HasPrefix(header, "Bearer ") {
			presented := strings.TrimPrefix(header, "Bearer ")
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1 {
				return true
			}
		}
		if c.Path() == "/api/events" {
			if presented := c.QueryParam("token"); presented != "" &&
				subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1 {
				return true
			}
		}
	}
	if cookie, err := c.Cookie(SessionCookieName); err == nil && s.sessions.valid(cookie.Value) {
		return true
	}
	return false
}
