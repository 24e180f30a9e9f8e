package httpserver

import (
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode"

	"golang.org/x/crypto/bcrypt"

	"github.com/zhangzhuoran997997/OnlineChat/internal/storage"
)

var usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_]{4,20}$`)

type registerRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	Nickname  string `json:"userNickname"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Remember bool   `json:"remember"`
}

type identityItem struct {
	ID                string  `json:"id"`
	Username          string  `json:"username"`
	UserNickname      string  `json:"userNickname"`
	FirstName         string  `json:"firstName"`
	LastName          string  `json:"lastName"`
	Email             string  `json:"email"`
	Avatar            *string `json:"avatar,omitempty"`
	VisibleInSearches bool    `json:"visibleInSearches"`
}

type authResponse struct {
	User      identityItem `json:"user"`
	Token     string       `json:"token"`
	ExpiresAt int64        `json:"expiresAt"`
}

type logoutResponse struct {
	Success bool `json:"success"`
}

func identityFromUser(user storage.UserRow) identityItem {
	return identityItem{
		ID:                user.ID,
		Username:          user.Username,
		UserNickname:      user.Nickname,
		FirstName:         user.FirstName,
		LastName:          user.LastName,
		Email:             user.Email,
		Avatar:            user.Avatar,
		VisibleInSearches: user.VisibleInSearches,
	}
}

func (api *api) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, ErrCodeMethodNotAllowed, "method not allowed")
		return
	}

	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAPIError(w, ErrCodeValidation, "invalid JSON body")
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	req.Nickname = strings.TrimSpace(req.Nickname)
	req.Email = strings.TrimSpace(req.Email)

	if !usernameRegex.MatchString(req.Username) {
		writeAPIError(w, ErrCodeValidation, "username must be 4-20 characters, alphanumeric and underscore only")
		return
	}
	if err := validatePassword(req.Password); err != nil {
		writeAPIError(w, ErrCodeValidation, err.Error())
		return
	}
	if req.Nickname == "" || len(req.Nickname) > 40 {
		writeAPIError(w, ErrCodeValidation, "nickname must be 1-40 characters")
		return
	}
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		writeAPIError(w, ErrCodeValidation, "a valid email is required")
		return
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		api.logger.Error("bcrypt hash failed", "error", err)
		writeAPIError(w, ErrCodeInternal, "internal error")
		return
	}

	nowMs := time.Now().UnixMilli()
	user, err := api.store.CreateUser(r.Context(), req.Username, string(passwordHash),
		req.Nickname, strings.TrimSpace(req.FirstName), strings.TrimSpace(req.LastName), req.Email, nowMs)
	if err != nil {
		if errors.Is(err, storage.ErrUsernameExists) {
			writeAPIError(w, ErrCodeUsernameExists, "username already exists")
			return
		}
		api.logger.Error("create user failed", "error", err)
		writeAPIError(w, ErrCodeInternal, "internal error")
		return
	}

	expiresAtMs := nowMs + api.opts.SessionTTL.Milliseconds()
	tokenRow, err := api.store.CreateAuthToken(r.Context(), user.ID, nowMs, expiresAtMs)
	if err != nil {
		api.logger.Error("create token failed", "error", err)
		writeAPIError(w, ErrCodeInternal, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, authResponse{
		User:      identityFromUser(user),
		Token:     tokenRow.Token,
		ExpiresAt: tokenRow.ExpiresAtMs,
	})
}

func (api *api) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, ErrCodeMethodNotAllowed, "method not allowed")
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAPIError(w, ErrCodeValidation, "invalid JSON body")
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		writeAPIError(w, ErrCodeValidation, "username and password are required")
		return
	}

	user, err := api.store.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeAPIError(w, ErrCodeInvalidCredentials, "invalid username or password")
			return
		}
		api.logger.Error("get user failed", "error", err)
		writeAPIError(w, ErrCodeInternal, "internal error")
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		writeAPIError(w, ErrCodeInvalidCredentials, "invalid username or password")
		return
	}

	nowMs := time.Now().UnixMilli()
	ttl := api.opts.SessionTTL
	if req.Remember {
		ttl = api.opts.SessionRememberTTL
	}

	// Issuing the token also revokes any earlier session for this user.
	tokenRow, err := api.store.CreateAuthToken(r.Context(), user.ID, nowMs, nowMs+ttl.Milliseconds())
	if err != nil {
		api.logger.Error("create token failed", "error", err)
		writeAPIError(w, ErrCodeInternal, "internal error")
		return
	}

	if err := api.store.TouchLastLogin(r.Context(), user.ID, nowMs); err != nil {
		api.logger.Warn("touch last login failed", "error", err, "userID", user.ID)
	}

	writeJSON(w, http.StatusOK, authResponse{
		User:      identityFromUser(user),
		Token:     tokenRow.Token,
		ExpiresAt: tokenRow.ExpiresAtMs,
	})
}

func (api *api) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, ErrCodeMethodNotAllowed, "method not allowed")
		return
	}

	token := extractToken(r)
	if token == "" {
		writeAPIError(w, ErrCodeTokenInvalid, "token required")
		return
	}

	// Resolve the session before revoking it so the live connection can be
	// told to shut down.
	if tokenRow, err := api.store.ValidateToken(r.Context(), token, time.Now().UnixMilli()); err == nil {
		api.hub.DisconnectUser(tokenRow.UserID)
	}

	_ = api.store.DeleteToken(r.Context(), token)
	writeJSON(w, http.StatusOK, logoutResponse{Success: true})
}

func validatePassword(password string) error {
	if len(password) < 8 || len(password) > 32 {
		return errors.New("password must be 8-32 characters")
	}

	var hasUpper, hasLower, hasDigit bool
	for _, c := range password {
		switch {
		case unicode.IsUpper(c):
			hasUpper = true
		case unicode.IsLower(c):
			hasLower = true
		case unicode.IsDigit(c):
			hasDigit = true
		}
	}

	if !hasUpper || !hasLower || !hasDigit {
		return errors.New("password must contain uppercase, lowercase, and digit")
	}

	return nil
}
