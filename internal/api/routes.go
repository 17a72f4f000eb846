package api

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/luminadesk/gateway/internal/gateway"
)

// InitRoutes wires the HTTP surface: the websocket endpoint the devices and
// panels dial, plus the REST face of the host-driven file operations.
func InitRoutes(e *echo.Echo, hub *gateway.Hub, logger *zap.Logger) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "luminadesk-gateway",
		})
	})

	e.GET("/ws", func(c echo.Context) error {
		return gateway.HandleWebSocket(hub, c, logger)
	})

	v1 := e.Group("/api/v1")
	v1.GET("/devices", func(c echo.Context) error {
		return c.JSON(http.StatusOK, hub.Devices())
	})
	v1.GET("/devices/:id/files", func(c echo.Context) error {
		return listFiles(c, hub)
	})
	v1.POST("/devices/:id/files", func(c echo.Context) error {
		return uploadFile(c, hub, logger)
	})
	v1.DELETE("/devices/:id/files", func(c echo.Context) error {
		return deleteFile(c, hub)
	})
	v1.GET("/devices/:id/preview", func(c echo.Context) error {
		return previewFile(c, hub)
	})
}

// ErrorResponse is the REST error shape.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func listFiles(c echo.Context, hub *gateway.Hub) error {
	files, err := hub.ListFiles(c.Param("id"), 0)
	if err != nil {
		return fileOpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"files": files,
		"total": len(files),
	})
}

func uploadFile(c echo.Context, hub *gateway.Hub, logger *zap.Logger) error {
	targetPath := c.QueryParam("path")
	if targetPath == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_path",
			Message: "path query parameter is required",
		})
	}

	file, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_file",
			Message: "multipart file field is required",
		})
	}
	src, err := file.Open()
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "unreadable_file",
			Message: err.Error(),
		})
	}
	defer src.Close()
	data, err := io.ReadAll(src)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "unreadable_file",
			Message: err.Error(),
		})
	}

	started := time.Now()
	err = hub.Upload(c.Param("id"), targetPath, data, gateway.UploadOptions{
		Overwrite: c.QueryParam("overwrite") == "true",
	})
	if err != nil {
		return fileOpError(c, err)
	}

	logger.Info("file pushed to device",
		zap.String("deviceId", c.Param("id")),
		zap.String("targetPath", targetPath),
		zap.Int("bytes", len(data)),
		zap.Duration("took", time.Since(started)))

	return c.JSON(http.StatusOK, map[string]interface{}{
		"uploaded": targetPath,
		"bytes":    len(data),
	})
}

func deleteFile(c echo.Context, hub *gateway.Hub) error {
	root := c.QueryParam("root")
	filePath := c.QueryParam("path")
	if filePath == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_path",
			Message: "path query parameter is required",
		})
	}
	if err := hub.Delete(c.Param("id"), root, filePath, 0); err != nil {
		return fileOpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"deleted": filePath})
}

func previewFile(c echo.Context, hub *gateway.Hub) error {
	filePath := c.QueryParam("path")
	if filePath == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_path",
			Message: "path query parameter is required",
		})
	}
	data, mime, err := hub.Preview(c.Param("id"), filePath, 0)
	if err != nil {
		return fileOpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"mime":  mime,
		"bytes": len(data),
		"data":  base64.StdEncoding.EncodeToString(data),
	})
}

func fileOpError(c echo.Context, err error) error {
	status := http.StatusBadGateway
	code := "device_error"
	switch {
	case errors.Is(err, gateway.ErrNoDevice):
		status = http.StatusNotFound
		code = "no_device"
	case errors.Is(err, gateway.ErrTimeout):
		status = http.StatusGatewayTimeout
		code = "timeout"
	}
	return c.JSON(status, ErrorResponse{Error: code, Message: err.Error()})
}
