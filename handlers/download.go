package handlers

import (
	"errors"
	"net/http"
	"os"
	"path"

	"checkout-svc/middleware"
	"checkout-svc/storage"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type TokenResolver interface {
	Resolve(token string) (filePath, objectKey string, err error)
}

// DownloadHandler serves files for the local storage driver.
type DownloadHandler struct {
	resolver TokenResolver
	logger   *zap.Logger
}

func NewDownloadHandler(resolver TokenResolver, logger *zap.Logger) *DownloadHandler {
	return &DownloadHandler{resolver: resolver, logger: logger}
}

func (h *DownloadHandler) ServeDownload(c *gin.Context) {
	filePath, objectKey, err := h.resolver.Resolve(c.Param("token"))
	if err != nil {
		if !errors.Is(err, storage.ErrInvalidToken) {
			h.logger.Error("Failed to resolve download token", zap.Error(err))
		}
		c.JSON(http.StatusForbidden, gin.H{"error": "Download link is invalid or has expired."})
		return
	}

	info, err := os.Stat(filePath)
	if err != nil || !info.Mode().IsRegular() {
		h.logger.Error("Granted object is missing",
			zap.String("trace_id", middleware.GetTraceID(c.Request.Context())),
			zap.String("object_key", objectKey),
		)
		c.JSON(http.StatusNotFound, gin.H{"error": "The requested file is no longer available."})
		return
	}

	c.FileAttachment(filePath, path.Base(objectKey))
}
