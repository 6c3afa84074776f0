package access

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// multipartOverhead is allowed on top of the file limit for form fields and
// part headers.
const multipartOverhead = 1 << 20

// RegisterRoutes mounts the access flows under the provided router group.
func RegisterRoutes(group *gin.RouterGroup, service *Service) {
	handler := &httpHandler{service: service}
	group.POST("/upload", handler.upload)
	group.GET("/access/:id", handler.download)
	group.POST("/files/:id/view-token", handler.issueViewToken)
	group.GET("/files/:id/view", handler.view)
}

type httpHandler struct {
	service *Service
}

func (h *httpHandler) upload(c *gin.Context) {
	maxBytes := h.service.opts.MaxUploadBytes
	if maxBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes+multipartOverhead)
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.fail(c, ErrPayloadTooLarge)
			return
		}
		h.fail(c, invalidInput("file field is required"))
		return
	}
	if maxBytes > 0 && fileHeader.Size > maxBytes {
		h.fail(c, ErrPayloadTooLarge)
		return
	}

	duration, err := strconv.ParseInt(strings.TrimSpace(c.PostForm("duration")), 10, 64)
	if err != nil {
		h.fail(c, invalidInput("duration must be a positive integer number of seconds"))
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		h.fail(c, fmt.Errorf("open upload: %w", err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.fail(c, fmt.Errorf("read upload: %w", err))
		return
	}

	result, err := h.service.Upload(c.Request.Context(), UploadInput{
		Filename:        fileHeader.Filename,
		ContentType:     fileHeader.Header.Get("Content-Type"),
		Data:            data,
		DurationSeconds: duration,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) download(c *gin.Context) {
	file, err := h.service.Download(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	c.Header("Content-Disposition", contentDisposition("attachment", file.Filename))
	c.Header("X-Content-Type-Options", "nosniff")
	c.Data(http.StatusOK, file.ContentType, file.Data)
}

func (h *httpHandler) issueViewToken(c *gin.Context) {
	grant, err := h.service.IssueViewToken(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, grant)
}

func (h *httpHandler) view(c *gin.Context) {
	file, err := h.service.FetchView(c.Request.Context(), c.Param("id"), c.Query("token"))
	if err != nil {
		h.fail(c, err)
		return
	}

	c.Header("Content-Disposition", contentDisposition("inline", file.Filename))
	c.Header("Cache-Control", "no-store")
	c.Header("X-Content-Type-Options", "nosniff")
	c.Data(http.StatusOK, file.ContentType, file.Data)
}

// fail writes a plain-text error. The full error chain is attached to the
// gin context for the access log, while the body only names the external kind.
func (h *httpHandler) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	status, message := errorResponse(err)
	c.String(status, message)
}

func errorResponse(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		var input *inputError
		if errors.As(err, &input) {
			return http.StatusBadRequest, input.Error()
		}
		return http.StatusBadRequest, ErrInvalidInput.Error()
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, ErrPayloadTooLarge.Error()
	case errors.Is(err, ErrRegistrationConflict):
		return http.StatusConflict, ErrRegistrationConflict.Error()
	case errors.Is(err, ErrAccessDenied):
		return http.StatusForbidden, "access denied: the file has expired or the link is not valid"
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, "service temporarily unavailable, please retry"
	case errors.Is(err, ErrPartialUpload):
		return http.StatusInternalServerError, ErrPartialUpload.Error()
	case errors.Is(err, ErrInconsistentState):
		return http.StatusInternalServerError, "stored file is unavailable due to an internal inconsistency"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func contentDisposition(kind, filename string) string {
	if filename == "" {
		return kind
	}
	if value := mime.FormatMediaType(kind, map[string]string{"filename": filename}); value != "" {
		return value
	}
	return kind
}
