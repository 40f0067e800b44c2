package middleware

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/orrn/thermal-spool/internal/db"
)

const (
	tokenIssuer  = "thermal-spool"
	adminSubject = "admin"

	adminTokenTTL         = 24 * time.Hour
	defaultClientTokenTTL = 30 * 24 * time.Hour

	settingPasswordHash = "admin_password"
	settingJWTSecret    = "jwt_secret"
	secretSize          = 32

	claimsKey = "auth_claims"
)

// Scope limits what a token may do. Admin tokens come from the password and
// can do everything; print tokens are issued to POS clients and can only
// submit and follow work.
type Scope string

const (
	ScopeAdmin Scope = "admin"
	ScopePrint Scope = "print"
)

func (s Scope) allows(required Scope) bool {
	return s == ScopeAdmin || s == required
}

type Claims struct {
	jwt.RegisteredClaims
	Scope Scope `json:"scope"`
}

var errMissingToken = errors.New("missing bearer token")

// Authenticator issues and checks HS256 tokens. The signing secret and the
// bcrypt hash of the admin password live in the settings table.
type Authenticator struct {
	settings *db.SettingsOperations
	secret   []byte
	log      zerolog.Logger
	now      func() time.Time
}

type PasswordRequest struct {
	Password string `json:"password" binding:"required,min=6"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" binding:"required"`
	NewPassword     string `json:"new_password" binding:"required,min=6"`
}

type ClientTokenRequest struct {
	Name     string `json:"name" binding:"required"`
	TTLHours int    `json:"ttl_hours" binding:"omitempty,min=1,max=8760"`
}

type TokenResponse struct {
	Token     string    `json:"token"`
	Scope     Scope     `json:"scope"`
	Subject   string    `json:"subject"`
	ExpiresAt time.Time `json:"expires_at"`
}

type StatusResponse struct {
	SetupRequired bool   `json:"setup_required"`
	Authenticated bool   `json:"authenticated"`
	Scope         Scope  `json:"scope,omitempty"`
	Subject       string `json:"subject,omitempty"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func NewAuthenticator(database *db.DB, log zerolog.Logger) (*Authenticator, error) {
	a := &Authenticator{
		settings: database.Settings,
		log:      log.With().Str("component", "auth").Logger(),
		now:      time.Now,
	}

	secret, err := a.loadSecret(context.Background())
	if err != nil {
		return nil, err
	}
	a.secret = secret
	return a, nil
}

func (a *Authenticator) loadSecret(ctx context.Context) ([]byte, error) {
	setting, err := a.settings.GetSetting(ctx, settingJWTSecret)
	switch {
	case err == nil:
		return hex.DecodeString(setting.Value)
	case !errors.Is(err, sql.ErrNoRows):
		return nil, err
	}

	secret := make([]byte, secretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate jwt secret: %w", err)
	}
	if err := a.settings.SetSetting(ctx, settingJWTSecret, hex.EncodeToString(secret), false); err != nil {
		return nil, err
	}
	a.log.Info().Msg("generated new jwt secret")
	return secret, nil
}

func (a *Authenticator) passwordHash(ctx context.Context) ([]byte, bool, error) {
	setting, err := a.settings.GetSetting(ctx, settingPasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(setting.Value), true, nil
}

func (a *Authenticator) storePassword(ctx context.Context, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	return a.settings.SetSetting(ctx, settingPasswordHash, string(hash), false)
}

func (a *Authenticator) issue(subject string, scope Scope, ttl time.Duration) (TokenResponse, error) {
	now := a.now()
	expires := now.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Scope: scope,
	})

	signed, err := token.SignedString(a.secret)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return TokenResponse{Token: signed, Scope: scope, Subject: subject, ExpiresAt: expires.UTC().Truncate(time.Second)}, nil
}

func (a *Authenticator) parse(raw string) (*Claims, error) {
	claims := &Claims{}
	key := func(*jwt.Token) (interface{}, error) { return a.secret, nil }
	_, err := jwt.ParseWithClaims(raw, claims, key,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, err
	}
	if claims.Scope != ScopeAdmin && claims.Scope != ScopePrint {
		return nil, fmt.Errorf("unknown token scope %q", claims.Scope)
	}
	return claims, nil
}

// requestToken reads the Authorization header. Websocket upgrades may carry
// the token as ?token= instead, since browsers cannot set headers on them.
func requestToken(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			return "", errors.New("authorization header is not a bearer token")
		}
		return token, nil
	}
	if websocket.IsWebSocketUpgrade(r) {
		if token := r.URL.Query().Get("token"); token != "" {
			return token, nil
		}
	}
	return "", errMissingToken
}

// Setup stores the first admin password and returns an admin token.
func (a *Authenticator) Setup(c *gin.Context) {
	ctx := c.Request.Context()
	_, exists, err := a.passwordHash(ctx)
	if err != nil {
		a.serverError(c, err, "failed to read password")
		return
	}
	if exists {
		c.JSON(http.StatusConflict, errorBody{Error: "already_configured", Message: "Setup already completed"})
		return
	}

	var req PasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid_request", Message: "Password must be at least 6 characters"})
		return
	}
	if err := a.storePassword(ctx, req.Password); err != nil {
		a.serverError(c, err, "failed to store password")
		return
	}

	a.log.Info().Msg("admin password configured")
	a.respondToken(c, adminSubject, ScopeAdmin, adminTokenTTL)
}

func (a *Authenticator) Login(c *gin.Context) {
	var req PasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid_request", Message: err.Error()})
		return
	}

	hash, exists, err := a.passwordHash(c.Request.Context())
	if err != nil {
		a.serverError(c, err, "failed to read password")
		return
	}
	if !exists {
		c.JSON(http.StatusForbidden, errorBody{Error: "setup_required", Message: "Set an admin password first"})
		return
	}
	if bcrypt.CompareHashAndPassword(hash, []byte(req.Password)) != nil {
		a.log.Warn().Str("client_ip", c.ClientIP()).Msg("failed login")
		c.JSON(http.StatusUnauthorized, errorBody{Error: "invalid_credentials", Message: "Invalid password"})
		return
	}

	a.respondToken(c, adminSubject, ScopeAdmin, adminTokenTTL)
}

// Status is public. It reports whether setup is pending and, when a valid
// bearer token is present, what that token may do.
func (a *Authenticator) Status(c *gin.Context) {
	_, exists, err := a.passwordHash(c.Request.Context())
	if err != nil {
		a.serverError(c, err, "failed to read password")
		return
	}

	resp := StatusResponse{SetupRequired: !exists}
	if raw, err := requestToken(c.Request); err == nil {
		if claims, err := a.parse(raw); err == nil {
			resp.Authenticated = true
			resp.Scope = claims.Scope
			resp.Subject = claims.Subject
		}
	}
	c.JSON(http.StatusOK, resp)
}

// ChangePassword requires an admin token. Tokens issued before the change
// stay valid until they expire.
func (a *Authenticator) ChangePassword(c *gin.Context) {
	var req ChangePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid_request", Message: err.Error()})
		return
	}

	ctx := c.Request.Context()
	hash, _, err := a.passwordHash(ctx)
	if err != nil {
		a.serverError(c, err, "failed to read password")
		return
	}
	if bcrypt.CompareHashAndPassword(hash, []byte(req.CurrentPassword)) != nil {
		c.JSON(http.StatusUnauthorized, errorBody{Error: "invalid_credentials", Message: "Current password is incorrect"})
		return
	}
	if err := a.storePassword(ctx, req.NewPassword); err != nil {
		a.serverError(c, err, "failed to store password")
		return
	}

	a.log.Info().Msg("admin password changed")
	a.respondToken(c, adminSubject, ScopeAdmin, adminTokenTTL)
}

// IssueClientToken mints a print-scoped token for a named POS client.
func (a *Authenticator) IssueClientToken(c *gin.Context) {
	var req ClientTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid_request", Message: err.Error()})
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" || name == adminSubject {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid_request", Message: "Client name is required and cannot be \"admin\""})
		return
	}

	ttl := defaultClientTokenTTL
	if req.TTLHours > 0 {
		ttl = time.Duration(req.TTLHours) * time.Hour
	}

	a.log.Info().Str("client", name).Dur("ttl", ttl).Msg("issued client token")
	a.respondToken(c, name, ScopePrint, ttl)
}

func (a *Authenticator) respondToken(c *gin.Context, subject string, scope Scope, ttl time.Duration) {
	resp, err := a.issue(subject, scope, ttl)
	if err != nil {
		a.serverError(c, err, "failed to issue token")
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a *Authenticator) serverError(c *gin.Context, err error, msg string) {
	a.log.Error().Err(err).Msg(msg)
	c.JSON(http.StatusInternalServerError, errorBody{Error: "internal_error", Message: msg})
}

// Require rejects requests whose token is missing, invalid, or lacks scope.
func (a *Authenticator) Require(scope Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := requestToken(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: err.Error()})
			return
		}

		claims, err := a.parse(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: "Invalid or expired token"})
			return
		}
		if !claims.Scope.allows(scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, errorBody{
				Error:   "forbidden",
				Message: fmt.Sprintf("Token scope %q cannot access this resource", claims.Scope),
			})
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

// ClaimsFrom returns the claims Require stored on the request.
func ClaimsFrom(c *gin.Context) (*Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}
