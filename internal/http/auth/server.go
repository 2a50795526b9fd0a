package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"secureuser/internal/domain/models"
	"secureuser/internal/lib/sl"
	authservice "secureuser/internal/services/auth"
	"secureuser/internal/services/confirm"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type Auth interface {
	Register(
		ctx context.Context,
		login string,
		email string,
		password string,
	) (uuid.UUID, error)
	Login(
		ctx context.Context,
		identifier string,
		password string,
	) (*models.TokenPair, error)
	Refresh(
		ctx context.Context,
		refreshToken string,
	) (*models.TokenPair, error)
	Logout(
		ctx context.Context,
		refreshToken string,
		allSessions bool,
	) error
}

type Confirmations interface {
	Save(ctx context.Context, login string) (*confirm.Link, error)
	Confirm(ctx context.Context, token string) error
}

type serverAPI struct {
	log           *slog.Logger
	auth          Auth
	confirmations Confirmations
}

// Register mounts the auth endpoints onto the router.
func Register(router *gin.Engine, log *slog.Logger, auth Auth, confirmations Confirmations) {
	s := &serverAPI{log: log, auth: auth, confirmations: confirmations}

	group := router.Group("/api/auth")
	group.POST("/register", s.register)
	group.POST("/login", s.login)
	group.POST("/refresh", s.refresh)
	group.POST("/logout", s.logout)
	group.GET("/confirm/:token", s.confirm)
}

type registerRequest struct {
	Login    string `json:"login" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type loginRequest struct {
	Login    string `json:"login" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
	AllSessions  bool   `json:"all_sessions"`
}

type responseError struct {
	ErrorMessage string `json:"error_message"`
}

// authResponse is the envelope shared by every auth endpoint: a numeric
// status code, a message code, and an optional error body.
type authResponse struct {
	StatusCode                   int            `json:"status_code"`
	MessageCode                  string         `json:"message_code"`
	Error                        *responseError `json:"error,omitempty"`
	AccessToken                  string         `json:"access_token,omitempty"`
	RefreshToken                 string         `json:"refresh_token,omitempty"`
	ExpiresIn                    int64          `json:"expires_in,omitempty"`
	SessionID                    string         `json:"session_id,omitempty"`
	RegistrationConfirmationLink string         `json:"registration_confirmation_link,omitempty"`
}

func (s *serverAPI) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, "BAD_REQUEST", "Incorrectly filled data in the request")
		return
	}

	_, err := s.auth.Register(c.Request.Context(), req.Login, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, authservice.ErrUserAlreadyExists) {
			s.fail(c, http.StatusConflict, "USER_ALREADY_EXISTS", "User already exists")
			return
		}
		s.internal(c, err)
		return
	}

	resp := authResponse{
		StatusCode:  http.StatusCreated,
		MessageCode: "CREATED",
	}

	link, err := s.confirmations.Save(c.Request.Context(), req.Login)
	if err != nil {
		// The account exists but its confirmation link was lost; the
		// caller has to retry registration handling out of band.
		s.internal(c, err)
		return
	}
	if link != nil {
		resp.RegistrationConfirmationLink = link.URL
	}

	c.JSON(http.StatusCreated, resp)
}

func (s *serverAPI) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, "BAD_REQUEST", "Incorrectly filled data in the request")
		return
	}

	pair, err := s.auth.Login(c.Request.Context(), req.Login, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, authservice.ErrInvalidCredentials):
			s.fail(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid credentials")
		case errors.Is(err, authservice.ErrAccountNotVerified):
			s.fail(c, http.StatusForbidden, "ACCOUNT_NOT_VERIFIED", "ACCOUNT_NOT_VERIFIED")
		default:
			s.internal(c, err)
		}
		return
	}

	c.JSON(http.StatusOK, pairResponse(pair))
}

func (s *serverAPI) refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, "BAD_REQUEST", "Incorrectly filled data in the request")
		return
	}

	pair, err := s.auth.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, authservice.ErrInvalidCredentials) {
			s.fail(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "The token is no longer valid")
			return
		}
		s.internal(c, err)
		return
	}

	c.JSON(http.StatusOK, pairResponse(pair))
}

func (s *serverAPI) logout(c *gin.Context) {
	var req logoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, http.StatusBadRequest, "BAD_REQUEST", "Incorrectly filled data in the request")
		return
	}

	err := s.auth.Logout(c.Request.Context(), req.RefreshToken, req.AllSessions)
	if err != nil {
		if errors.Is(err, authservice.ErrInvalidCredentials) {
			s.fail(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "The token is no longer valid")
			return
		}
		s.internal(c, err)
		return
	}

	c.JSON(http.StatusOK, authResponse{
		StatusCode:  http.StatusOK,
		MessageCode: "OK",
	})
}

func (s *serverAPI) confirm(c *gin.Context) {
	token := c.Param("token")

	err := s.confirmations.Confirm(c.Request.Context(), token)
	if err != nil {
		switch {
		case errors.Is(err, confirm.ErrNotRequired):
			c.String(http.StatusNotImplemented, "The service is temporarily unavailable")
		case errors.Is(err, confirm.ErrTokenExpiredOrUnknown):
			c.String(http.StatusGone, "Link is inactive or out of date")
		case errors.Is(err, confirm.ErrUserNotFound):
			c.String(http.StatusNotFound, "User not found")
		default:
			s.log.Error("confirmation failed", sl.Err(err))
			c.String(http.StatusInternalServerError, "Internal error during verification")
		}
		return
	}

	c.String(http.StatusOK, "Account registration confirmed")
}

func pairResponse(pair *models.TokenPair) authResponse {
	return authResponse{
		StatusCode:   http.StatusOK,
		MessageCode:  "OK",
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
		SessionID:    pair.SessionID.String(),
	}
}

func (s *serverAPI) fail(c *gin.Context, statusCode int, messageCode, errorMessage string) {
	c.JSON(statusCode, authResponse{
		StatusCode:  statusCode,
		MessageCode: messageCode,
		Error:       &responseError{ErrorMessage: errorMessage},
	})
}

// internal is the last line of defense: nothing unexpected crosses the
// boundary as anything but a 500.
func (s *serverAPI) internal(c *gin.Context, err error) {
	s.log.Error("internal error", sl.Err(err))
	s.fail(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "Internal server error")
}
