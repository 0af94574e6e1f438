package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"stagegate.evalgo.org/auth"
	"stagegate.evalgo.org/common"
	"stagegate.evalgo.org/db"
)

type loginRequest struct {
	Provider    string `json:"provider"`
	RedirectURL string `json:"redirect_url"`

	// Direct credential login, used by service accounts and tests.
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type userView struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	Email       string     `json:"email"`
	Role        string     `json:"role"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

func viewUser(u *db.User) userView {
	return userView{
		ID:          u.ID,
		Username:    u.Username,
		Email:       u.Email,
		Role:        u.Role,
		LastLoginAt: u.LastLoginAt,
	}
}

type tokenResponse struct {
	auth.TokenPair
	User userView `json:"user"`
}

func sessionMeta(c echo.Context) auth.SessionMeta {
	return auth.SessionMeta{
		UserAgent: c.Request().UserAgent(),
		IP:        c.RealIP(),
	}
}

// LoginHandler starts a provider login or, when credentials are posted
// directly, performs a password login.
func (h *Handlers) LoginHandler(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, common.NewValidation("invalid request body"))
	}

	if req.Username != "" || req.Password != "" {
		pair, user, err := h.Auth.Login(c.Request().Context(), req.Username, req.Password, sessionMeta(c))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, tokenResponse{TokenPair: pair, User: viewUser(user)})
	}

	url, state, err := h.Provider.AuthURL(c.Request().Context(), req.Provider, req.RedirectURL)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"auth_url": url, "state": state})
}

// CallbackHandler completes a provider login and redirects to the
// frontend with the token pair in the URL fragment.
func (h *Handlers) CallbackHandler(c echo.Context) error {
	if upstream := c.QueryParam("error"); upstream != "" {
		return c.Redirect(http.StatusFound, h.Config.FrontendURL+"#error="+upstream)
	}

	identity, err := h.Provider.Exchange(c.Request().Context(), c.QueryParam("code"), c.QueryParam("state"))
	if err != nil {
		return writeError(c, err)
	}

	pair, _, err := h.Auth.LoginExternal(c.Request().Context(), identity.Username, identity.Email, sessionMeta(c))
	if err != nil {
		return writeError(c, err)
	}

	fragment := fmt.Sprintf("#access_token=%s&refresh_token=%s&token_type=%s&expires_in=%d",
		pair.AccessToken, pair.RefreshToken, pair.TokenType, pair.ExpiresIn)
	return c.Redirect(http.StatusFound, h.Config.FrontendURL+fragment)
}

// RefreshHandler exchanges a refresh token for a new pair.
func (h *Handlers) RefreshHandler(c echo.Context) error {
	var req refreshRequest
	if err := c.Bind(&req); err != nil || req.RefreshToken == "" {
		return writeError(c, common.NewValidation("refresh_token is required"))
	}
	pair, user, err := h.Auth.Refresh(c.Request().Context(), req.RefreshToken, sessionMeta(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, tokenResponse{TokenPair: pair, User: viewUser(user)})
}

// LogoutHandler revokes the caller's session.
func (h *Handlers) LogoutHandler(c echo.Context) error {
	session, _ := SessionFromContext(c)
	if session.LegacyKey {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}
	if err := h.Auth.Logout(c.Request().Context(), session.Principal, session.SessionID, c.RealIP()); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// MeHandler returns the caller's account.
func (h *Handlers) MeHandler(c echo.Context) error {
	session, _ := SessionFromContext(c)
	if session.LegacyKey {
		return c.JSON(http.StatusOK, userView{ID: session.Principal.UserID, Username: session.Principal.Username, Role: session.Principal.Role})
	}
	user, err := h.Auth.GetUser(c.Request().Context(), session.Principal.UserID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, viewUser(user))
}

type sessionView struct {
	ID        string    `json:"id"`
	UserAgent string    `json:"user_agent"`
	IP        string    `json:"ip"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Current   bool      `json:"current"`
}

// SessionsHandler lists the caller's live sessions.
func (h *Handlers) SessionsHandler(c echo.Context) error {
	session, _ := SessionFromContext(c)
	rows, err := h.Auth.Sessions(c.Request().Context(), session.Principal.UserID)
	if err != nil {
		return writeError(c, err)
	}
	views := make([]sessionView, 0, len(rows))
	for _, row := range rows {
		views = append(views, sessionView{
			ID:        row.ID,
			UserAgent: row.UserAgent,
			IP:        row.IP,
			CreatedAt: row.CreatedAt,
			ExpiresAt: row.ExpiresAt,
			Current:   row.ID == session.SessionID,
		})
	}
	return c.JSON(http.StatusOK, views)
}

// DeleteSessionHandler revokes one of the caller's sessions.
func (h *Handlers) DeleteSessionHandler(c echo.Context) error {
	session, _ := SessionFromContext(c)
	if err := h.Auth.RevokeSession(c.Request().Context(), session.Principal.UserID, c.Param("id")); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
