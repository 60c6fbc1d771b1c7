package users

import (
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/centrorum/community-service/internal/identity"
	"github.com/centrorum/community-service/internal/listings"
	"github.com/centrorum/community-service/internal/plugin/route/views"
	registryroute "github.com/centrorum/community-service/internal/registry/route"
	registrystore "github.com/centrorum/community-service/internal/registry/store"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 120,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

// MountRoutes mounts the public user profile route. listingsClient may be nil,
// in which case profiles are served without the posts section.
func MountRoutes(r *gin.Engine, store registrystore.CommunityStore, codec *identity.Codec, listingsClient *listings.Client) {
	r.GET("/users/:user", func(c *gin.Context) {
		getUser(c, store, codec, listingsClient)
	})
}

func getUser(c *gin.Context, store registrystore.CommunityStore, codec *identity.Codec, listingsClient *listings.Client) {
	userID, err := codec.Resolve(c.Param("user"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "invalid user identifier"})
		return
	}

	user, err := store.GetUserByID(c.Request.Context(), userID)
	if err != nil {
		handleError(c, err)
		return
	}
	view := views.NewUser(codec, *user)

	// Posts come from the separate listings service. A lookup failure
	// degrades to an empty list rather than failing the profile.
	posts := []listings.Listing{}
	if listingsClient != nil {
		fetched, err := listingsClient.ListUserListings(c.Request.Context(), view.EncryptedID)
		if err != nil {
			log.Warn("failed to fetch user listings", "userId", view.EncryptedID, "error", err)
		} else if fetched != nil {
			posts = fetched
		}
	}

	c.JSON(http.StatusOK, gin.H{"user": view, "posts": posts})
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
