package auth

import (
	"errors"
	"net/http"
	"net/mail"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/centrorum/community-service/internal/config"
	"github.com/centrorum/community-service/internal/identity"
	"github.com/centrorum/community-service/internal/plugin/route/views"
	registryroute "github.com/centrorum/community-service/internal/registry/route"
	registrystore "github.com/centrorum/community-service/internal/registry/store"
	"github.com/centrorum/community-service/internal/security"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 100,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

// MountRoutes mounts registration and login routes. These are the only
// unauthenticated API routes besides the public profile lookup.
func MountRoutes(r *gin.Engine, store registrystore.CommunityStore, cfg *config.Config, issuer *security.TokenIssuer, codec *identity.Codec) {
	r.POST("/auth/register", func(c *gin.Context) {
		register(c, store, cfg, issuer, codec)
	})
	r.POST("/auth/login", func(c *gin.Context) {
		login(c, store, issuer, codec)
	})
	r.POST("/auth/refresh", func(c *gin.Context) {
		refresh(c, store, issuer)
	})
}

func register(c *gin.Context, store registrystore.CommunityStore, cfg *config.Config, issuer *security.TokenIssuer, codec *identity.Codec) {
	var req struct {
		Email           string  `json:"email"`
		DisplayName     string  `json:"display_name"`
		Bio             *string `json:"bio"`
		Password        string  `json:"password"`
		PasswordConfirm string  `json:"password_confirm"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if _, err := mail.ParseAddress(email); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "invalid email address", "field": "email"})
		return
	}
	if !strings.HasSuffix(email, "@"+cfg.EmailDomain) {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "validation_error",
			"error": "registration requires a @" + cfg.EmailDomain + " email address",
			"field": "email",
		})
		return
	}
	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "display name must not be empty", "field": "display_name"})
		return
	}
	if len(displayName) > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "display name exceeds maximum length", "field": "display_name"})
		return
	}
	if len(req.Password) < security.MinPasswordLength {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "password must be at least 8 characters", "field": "password"})
		return
	}
	if req.Password != req.PasswordConfirm {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "passwords do not match", "field": "password_confirm"})
		return
	}
	bio := ""
	if req.Bio != nil {
		bio = *req.Bio
	}
	if len(bio) > 500 {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "bio exceeds maximum length", "field": "bio"})
		return
	}

	hash, err := security.HashPassword(req.Password)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	user, err := store.CreateUser(c.Request.Context(), registrystore.CreateUserParams{
		Email:        email,
		DisplayName:  displayName,
		Bio:          bio,
		PasswordHash: hash,
	})
	if err != nil {
		var conflict *registrystore.ConflictError
		if errors.As(err, &conflict) {
			// The original client treats email collisions as a field error.
			c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": conflict.Message, "field": "email"})
			return
		}
		handleError(c, err)
		return
	}

	pair, err := issuer.IssuePair(user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"user":    views.NewOwnUser(codec, *user),
		"access":  pair.Access,
		"refresh": pair.Refresh,
	})
}

func login(c *gin.Context, store registrystore.CommunityStore, issuer *security.TokenIssuer, codec *identity.Codec) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	user, err := store.GetUserByEmail(c.Request.Context(), email)
	if err != nil {
		var notFound *registrystore.NotFoundError
		if errors.As(err, &notFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid email or password"})
			return
		}
		handleError(c, err)
		return
	}
	if !security.CheckPassword(user.PasswordHash, req.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid email or password"})
		return
	}

	pair, err := issuer.IssuePair(user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user":    views.NewOwnUser(codec, *user),
		"access":  pair.Access,
		"refresh": pair.Refresh,
	})
}

func refresh(c *gin.Context, store registrystore.CommunityStore, issuer *security.TokenIssuer) {
	var req struct {
		Refresh string `json:"refresh"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID, err := issuer.VerifyRefresh(req.Refresh)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired refresh token"})
		return
	}
	// Reject tokens for users that no longer exist.
	if _, err := store.GetUserByID(c.Request.Context(), userID); err != nil {
		var notFound *registrystore.NotFoundError
		if errors.As(err, &notFound) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired refresh token"})
			return
		}
		handleError(c, err)
		return
	}

	pair, err := issuer.IssuePair(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access": pair.Access, "refresh": pair.Refresh})
}

func handleError(c *gin.Context, err error) {
	var unavailable *registrystore.UnavailableError
	if errors.As(err, &unavailable) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "service_unavailable", "error": "service temporarily unavailable"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}
