package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"collabBridge/backend/internal/collab"
	"collabBridge/backend/internal/ot/delta"
)

type DocumentHandler struct {
	svc *collab.Service
}

func NewDocumentHandler(svc *collab.Service) *DocumentHandler {
	return &DocumentHandler{svc: svc}
}

// Register 挂到 /collab 分组下
func (h *DocumentHandler) Register(g *gin.RouterGroup) {
	docs := g.Group("/docs/:docId")
	docs.GET("/text", h.GetTextValue)
	docs.POST("/delta", h.ApplyDelta)
	docs.POST("/import", h.Import)
	docs.POST("/subscriptions", h.Subscribe)
	docs.DELETE("/subscriptions/:subId", h.Unsubscribe)
	docs.GET("/version", h.Version)
	g.GET("/docs", h.ListDocuments)
}

func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if collab.IsClientError(err) {
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"code": collab.ErrorCode(err), "error": err.Error()})
}

// 请求体解析失败一律 400
func badRequest(c *gin.Context, err error) {
	code := collab.ErrorCode(err)
	if !collab.IsClientError(err) {
		code = "BAD_REQUEST"
	}
	c.JSON(http.StatusBadRequest, gin.H{"code": code, "error": err.Error()})
}

func (h *DocumentHandler) GetTextValue(c *gin.Context) {
	path := c.DefaultQuery("path", "body")
	value, err := h.svc.GetTextValue(c.Request.Context(), c.Param("docId"), path)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"value": value})
}

type applyDeltaRequest struct {
	Path   string      `json:"path"`
	Origin string      `json:"origin"`
	Delta  delta.Delta `json:"delta"`
}

func (h *DocumentHandler) ApplyDelta(c *gin.Context) {
	var req applyDeltaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Path == "" {
		req.Path = "body"
	}
	update, err := h.svc.ApplyDelta(c.Request.Context(), c.Param("docId"), req.Path, req.Origin, req.Delta)
	if err != nil {
		fail(c, err)
		return
	}
	// []byte 序列化为 base64
	c.JSON(http.StatusOK, gin.H{"update": update})
}

type importRequest struct {
	Origin string `json:"origin"`
	Update []byte `json:"update" binding:"required"`
}

func (h *DocumentHandler) Import(c *gin.Context) {
	var req importRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.svc.Import(c.Request.Context(), c.Param("docId"), req.Origin, req.Update); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "ok"})
}

type subscribeRequest struct {
	ContainerID string `json:"containerId" binding:"required"`
}

func (h *DocumentHandler) Subscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	id, err := h.svc.Subscribe(c.Request.Context(), c.Param("docId"), req.ContainerID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptionId": id})
}

func (h *DocumentHandler) Unsubscribe(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("subId"), 10, 32)
	if err != nil {
		badRequest(c, err)
		return
	}
	if err := h.svc.Unsubscribe(c.Request.Context(), c.Param("docId"), uint32(id)); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "ok"})
}

func (h *DocumentHandler) Version(c *gin.Context) {
	v, err := h.svc.Version(c.Request.Context(), c.Param("docId"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (h *DocumentHandler) ListDocuments(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"docs": h.svc.Registry().IDs()})
}
