package conversations

import (
	"errors"
	"fmt"
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
		Order: 140,
		Loader: func(r *gin.Engine) error {
			return nil // routes are mounted by the serve command after store init
		},
	})
}

// MountRoutes mounts conversation and message routes on the given router.
// Called after store initialization so the store is available.
func MountRoutes(r *gin.Engine, store registrystore.CommunityStore, auth gin.HandlerFunc, codec *identity.Codec) {
	g := r.Group("/conversations", auth)

	g.GET("", func(c *gin.Context) {
		listConversations(c, store, codec)
	})
	g.GET("/:conversationId", func(c *gin.Context) {
		getConversation(c, store, codec)
	})
	g.GET("/:conversationId/messages", func(c *gin.Context) {
		listMessages(c, store, codec)
	})
	g.POST("/:conversationId/send", func(c *gin.Context) {
		sendMessage(c, store, codec)
	})
	g.POST("/:conversationId/mark-read", func(c *gin.Context) {
		markRead(c, store)
	})
}

func listConversations(c *gin.Context, store registrystore.CommunityStore, codec *identity.Codec) {
	userID, _ := security.CurrentUserID(c)
	results, err := store.ListConversations(c.Request.Context(), userID)
	if err != nil {
		handleError(c, err)
		return
	}
	data := make([]views.Conversation, 0, len(results))
	for _, v := range results {
		data = append(data, views.NewConversation(codec, v))
	}
	c.JSON(http.StatusOK, gin.H{"data": data})
}

func getConversation(c *gin.Context, store registrystore.CommunityStore, codec *identity.Codec) {
	userID, _ := security.CurrentUserID(c)
	convID, ok := pathID(c)
	if !ok {
		return
	}
	view, err := store.GetConversation(c.Request.Context(), userID, convID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, views.NewConversation(codec, *view))
}

func listMessages(c *gin.Context, store registrystore.CommunityStore, codec *identity.Codec) {
	userID, _ := security.CurrentUserID(c)
	convID, ok := pathID(c)
	if !ok {
		return
	}

	query := registrystore.MessageQuery{
		AfterID: queryUint(c, "after", 0),
		Limit:   queryInt(c, "limit", 0),
	}
	messages, err := store.ListMessages(c.Request.Context(), userID, convID, query)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": views.NewMessages(codec, messages)})
}

func sendMessage(c *gin.Context, store registrystore.CommunityStore, codec *identity.Codec) {
	userID, _ := security.CurrentUserID(c)
	convID, ok := pathID(c)
	if !ok {
		return
	}

	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := store.SendMessage(c.Request.Context(), userID, convID, req.Content)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, views.NewMessage(codec, *msg))
}

func markRead(c *gin.Context, store registrystore.CommunityStore) {
	userID, _ := security.CurrentUserID(c)
	convID, ok := pathID(c)
	if !ok {
		return
	}

	updated, err := store.MarkMessagesRead(c.Request.Context(), userID, convID)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

func pathID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("conversationId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "conversation not found"})
		return 0, false
	}
	return id, true
}

func queryUint(c *gin.Context, key string, def uint64) uint64 {
	v := c.Query(key)
	if v == "" {
		return def
	}
	i, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return def
	}
	return i
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	var i int
	if _, err := fmt.Sscanf(v, "%d", &i); err != nil {
		return def
	}
	return i
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
