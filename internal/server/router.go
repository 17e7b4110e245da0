package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/shelf/internal/remote"
	"github.com/MarcoPoloResearchLab/shelf/internal/rows"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const userIDContextKey = "shelf_user_id"

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingRowsService    = errors.New("rows service dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator resolves a bearer token to the user id it was issued for.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// RowsService is the per-user row store served under /rest/v1.
type RowsService interface {
	ListItems(ctx context.Context, userID string) ([]remote.ItemRecord, error)
	InsertItem(ctx context.Context, userID string, record remote.ItemRecord) (remote.ItemRecord, error)
	UpdateItem(ctx context.Context, userID, id string, record remote.ItemRecord) error
	ListLists(ctx context.Context, userID string) ([]remote.ListRecord, error)
	InsertList(ctx context.Context, userID string, record remote.ListRecord) (remote.ListRecord, error)
	UpdateList(ctx context.Context, userID, id string, record remote.ListRecord) error
	Delete(ctx context.Context, userID, table, id string) error
}

type Dependencies struct {
	Tokens TokenValidator
	Rows   RowsService
	Logger *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Rows == nil {
		return nil, errMissingRowsService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens: deps.Tokens,
		rows:   deps.Rows,
		logger: logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/rest/v1")
	protected.Use(handler.authorizeRequest)
	protected.GET("/:table", handler.handleSelect)
	protected.POST("/:table", handler.handleInsert)
	protected.PATCH("/:table/:id", handler.handleUpdate)
	protected.DELETE("/:table/:id", handler.handleDelete)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	tokens TokenValidator
	rows   RowsService
	logger *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleSelect(c *gin.Context) {
	userID, ok := h.scopedUser(c, c.Query("user_id"))
	if !ok {
		return
	}
	ctx := c.Request.Context()
	switch c.Param("table") {
	case remote.TableItems:
		records, err := h.rows.ListItems(ctx, userID)
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, records)
	case remote.TableLists:
		records, err := h.rows.ListLists(ctx, userID)
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, records)
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_table"})
	}
}

func (h *httpHandler) handleInsert(c *gin.Context) {
	ctx := c.Request.Context()
	switch c.Param("table") {
	case remote.TableItems:
		var record remote.ItemRecord
		if err := c.ShouldBindJSON(&record); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		userID, ok := h.scopedUser(c, record.UserID)
		if !ok {
			return
		}
		stored, err := h.rows.InsertItem(ctx, userID, record)
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, stored)
	case remote.TableLists:
		var record remote.ListRecord
		if err := c.ShouldBindJSON(&record); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		userID, ok := h.scopedUser(c, record.UserID)
		if !ok {
			return
		}
		stored, err := h.rows.InsertList(ctx, userID, record)
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, stored)
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_table"})
	}
}

func (h *httpHandler) handleUpdate(c *gin.Context) {
	ctx := c.Request.Context()
	id := strings.TrimSpace(c.Param("id"))
	var err error
	switch c.Param("table") {
	case remote.TableItems:
		var record remote.ItemRecord
		if bindErr := c.ShouldBindJSON(&record); bindErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		userID, ok := h.scopedUser(c, record.UserID)
		if !ok {
			return
		}
		err = h.rows.UpdateItem(ctx, userID, id, record)
	case remote.TableLists:
		var record remote.ListRecord
		if bindErr := c.ShouldBindJSON(&record); bindErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		userID, ok := h.scopedUser(c, record.UserID)
		if !ok {
			return
		}
		err = h.rows.UpdateList(ctx, userID, id, record)
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_table"})
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDelete(c *gin.Context) {
	userID, ok := h.scopedUser(c, c.Query("user_id"))
	if !ok {
		return
	}
	if err := h.rows.Delete(c.Request.Context(), userID, c.Param("table"), strings.TrimSpace(c.Param("id"))); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// scopedUser returns the authenticated user id. A request naming a different
// user is answered with 403.
func (h *httpHandler) scopedUser(c *gin.Context, requested string) (string, bool) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	requested = strings.TrimSpace(requested)
	if requested != "" && requested != userID {
		h.logger.Warn("cross-user request rejected",
			zap.String("user_id", userID), zap.String("requested_user_id", requested))
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return "", false
	}
	return userID, true
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, rows.ErrNotFound), errors.Is(err, rows.ErrUnknownTable):
		status = http.StatusNotFound
	case errors.Is(err, rows.ErrStaleUpdate):
		status = http.StatusConflict
	case errors.Is(err, rows.ErrInvalidRow):
		status = http.StatusBadRequest
	}
	body := gin.H{"error": http.StatusText(status)}
	var serviceErr *rows.ServiceError
	if errors.As(err, &serviceErr) {
		body["code"] = serviceErr.Code()
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("row request failed", zap.Error(err))
	}
	c.JSON(status, body)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}
