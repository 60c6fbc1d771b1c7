package profile

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/centrorum/community-service/internal/identity"
	"github.com/centrorum/community-service/internal/plugin/route/views"
	registryroute "github.com/centrorum/community-service/internal/registry/route"
	registrystore "github.com/centrorum/community-service/internal/registry/store"
	"github.com/centrorum/community-service/internal/security"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 110,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

// MountRoutes mounts the authenticated profile routes.
func MountRoutes(r *gin.Engine, store registrystore.CommunityStore, auth gin.HandlerFunc, codec *identity.Codec) {
	g := r.Group("/profile", auth)

	g.GET("", func(c *gin.Context) {
		getProfile(c, store, codec)
	})
	g.PATCH("", func(c *gin.Context) {
		updateProfile(c, store, codec)
	})
}

func getProfile(c *gin.Context, store registrystore.CommunityStore, codec *identity.Codec) {
	userID, _ := security.CurrentUserID(c)
	user, err := store.GetUserByID(c.Request.Context(), userID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, views.NewOwnUser(codec, *user))
}

func updateProfile(c *gin.Context, store registrystore.CommunityStore, codec *identity.Codec) {
	userID, _ := security.CurrentUserID(c)
	// Bound as a raw map: an explicit null bio must be distinguishable from
	// an absent field, which a struct binding collapses.
	raw := map[string]interface{}{}
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	update := registrystore.ProfileUpdate{}
	if v, ok := raw["display_name"]; ok {
		s, isStr := v.(string)
		s = strings.TrimSpace(s)
		if !isStr || s == "" {
			c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "display name must not be empty", "field": "display_name"})
			return
		}
		if len(s) > 100 {
			c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "display name exceeds maximum length", "field": "display_name"})
			return
		}
		update.DisplayName = &s
	}
	if v, ok := raw["bio"]; ok {
		// A null bio is coerced to the empty string.
		s := ""
		if v != nil {
			str, isStr := v.(string)
			if !isStr {
				c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "bio must be a string", "field": "bio"})
				return
			}
			s = str
		}
		if len(s) > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "bio exceeds maximum length", "field": "bio"})
			return
		}
		update.Bio = &s
	}

	user, err := store.UpdateUser(c.Request.Context(), userID, update)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, views.NewOwnUser(codec, *user))
}

func handleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var unavailable *registrystore.UnavailableError

	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
	case errors.As(err, &unavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "service_unavailable", "error": "service temporarily unavailable"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
