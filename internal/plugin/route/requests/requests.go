package requests

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/centrorum/community-service/internal/identity"
	"github.com/centrorum/community-service/internal/plugin/route/views"
	registryroute "github.com/centrorum/community-service/internal/registry/route"
	registrystore "github.com/centrorum/community-service/internal/registry/store"
	"github.com/centrorum/community-service/internal/security"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order: 130,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

// MountRoutes mounts the conversation request routes.
func MountRoutes(r *gin.Engine, store registrystore.CommunityStore, auth gin.HandlerFunc, codec *identity.Codec) {
	g := r.Group("/conversation-requests", auth)

	g.POST("/create", func(c *gin.Context) {
		createRequest(c, store, codec)
	})
	g.GET("", func(c *gin.Context) {
		listRequests(c, store, codec)
	})
	g.POST("/:requestId/respond", func(c *gin.Context) {
		respondToRequest(c, store, codec)
	})
}

func createRequest(c *gin.Context, store registrystore.CommunityStore, codec *identity.Codec) {
	userID, _ := security.CurrentUserID(c)
	var req struct {
		RecipientID views.UserRef `json:"recipient_id"`
		Message     string        `json:"message"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	recipientID, err := codec.Resolve(string(req.RecipientID))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "invalid recipient identifier", "field": "recipient_id"})
		return
	}

	view, err := store.CreateConversationRequest(c.Request.Context(), userID, recipientID, req.Message)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, views.NewRequest(codec, *view))
}

func listRequests(c *gin.Context, store registrystore.CommunityStore, codec *identity.Codec) {
	userID, _ := security.CurrentUserID(c)
	results, err := store.ListConversationRequests(c.Request.Context(), userID)
	if err != nil {
		handleError(c, err)
		return
	}
	data := make([]views.Request, 0, len(results))
	for _, v := range results {
		data = append(data, views.NewRequest(codec, v))
	}
	c.JSON(http.StatusOK, gin.H{"data": data})
}

func respondToRequest(c *gin.Context, store registrystore.CommunityStore, codec *identity.Codec) {
	userID, _ := security.CurrentUserID(c)
	requestID, err := strconv.ParseUint(c.Param("requestId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "conversation request not found"})
		return
	}

	var req struct {
		Action string `json:"action"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var accept bool
	switch req.Action {
	case "accept":
		accept = true
	case "deny":
		accept = false
	default:
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "action must be accept or deny", "field": "action"})
		return
	}

	decision, err := store.RespondToConversationRequest(c.Request.Context(), userID, requestID, accept)
	if err != nil {
		handleError(c, err)
		return
	}

	resp := gin.H{
		"message": "Conversation request " + string(decision.Request.Status),
		"status":  string(decision.Request.Status),
	}
	if decision.Conversation != nil {
		resp["conversation"] = gin.H{
			"id":         decision.Conversation.ID,
			"created_at": decision.Conversation.CreatedAt,
		}
	}
	c.JSON(http.StatusOK, resp)
}

func handleError(c *gin.Context, err error) {
	var notFound *registrystore.NotFoundError
	var validation *registrystore.ValidationError
	var conflict *registrystore.ConflictError
	var forbidden *registrystore.ForbiddenError
	var unavailable *registrystore.UnavailableError

	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": err.Error(), "field": validation.Field})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"code": conflict.Code, "error": err.Error()})
	case errors.As(err, &forbidden):
		c.JSON(http.StatusForbidden, gin.H{"code": "forbidden", "error": err.Error()})
	case errors.As(err, &unavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "service_unavailable", "error": "service temporarily unavailable"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
