package access

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/abduss/timelock/internal/ledger"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(h *harness) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	RegisterRoutes(router.Group("/api"), h.svc)
	return router
}

func multipartUpload(t *testing.T, filename string, content []byte, duration string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if filename != "" {
		part, err := writer.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	if duration != "" {
		require.NoError(t, writer.WriteField("duration", duration))
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func uploadViaHTTP(t *testing.T, router *gin.Engine, content string, duration string) map[string]string {
	t.Helper()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, multipartUpload(t, "notes.txt", []byte(content), duration))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHTTPUploadAndDownload(t *testing.T) {
	h := newHarness(t, time.Minute)
	router := newTestRouter(h)

	resp := uploadViaHTTP(t, router, "hello over http", "60")
	require.NotEmpty(t, resp["fileHash"])
	assert.Equal(t, "2024-05-01T12:01:00Z", resp["expiry"])

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/access/"+resp["fileHash"], nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello over http", rec.Body.String())
	assert.Equal(t, "attachment; filename=notes.txt", rec.Header().Get("Content-Disposition"))
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))
}

func TestHTTPUploadRejectsBadInput(t *testing.T) {
	h := newHarness(t, time.Minute)
	router := newTestRouter(h)

	cases := map[string]struct {
		req  *http.Request
		want int
	}{
		"missing file":     {req: multipartUpload(t, "", nil, "60"), want: http.StatusBadRequest},
		"missing duration": {req: multipartUpload(t, "a.txt", []byte("x"), ""), want: http.StatusBadRequest},
		"text duration":    {req: multipartUpload(t, "a.txt", []byte("x"), "soon"), want: http.StatusBadRequest},
		"zero duration":    {req: multipartUpload(t, "a.txt", []byte("x"), "0"), want: http.StatusBadRequest},
		"empty file":       {req: multipartUpload(t, "a.txt", nil, "60"), want: http.StatusBadRequest},
		"too large":        {req: multipartUpload(t, "a.txt", make([]byte, 2048), "60"), want: http.StatusRequestEntityTooLarge},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, tc.req)
			assert.Equal(t, tc.want, rec.Code)
			assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))
			assert.NotEmpty(t, rec.Body.String())
		})
	}
}

func TestHTTPUploadRejectsUnrepresentableDuration(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.svc.opts.MaxDuration = 0
	router := newTestRouter(h)

	for _, duration := range []string{"10000000000", "9223372036854775807", "9223372036854775808"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, multipartUpload(t, "a.txt", []byte("x"), duration))
		assert.Equal(t, http.StatusBadRequest, rec.Code, duration)
	}
	assert.Zero(t, h.ledger.calls)
}

func TestErrorResponseShowsOnlyCallerFacingReason(t *testing.T) {
	status, body := errorResponse(fmt.Errorf("upload: %w", invalidInput("file is required")))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid input: file is required", body)

	status, body = errorResponse(fmt.Errorf("%w: %w", ErrInvalidInput, ledger.ErrInvalidIdentifier))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid input", body)

	status, body = errorResponse(fmt.Errorf("%w: %w", ErrInvalidInput, errors.New("pq: value out of range for table expiry_ledger")))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.NotContains(t, body, "expiry_ledger")
}

func TestHTTPEmptyFileReasonIsShown(t *testing.T) {
	h := newHarness(t, time.Minute)
	router := newTestRouter(h)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, multipartUpload(t, "a.txt", nil, "60"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid input: file is required", rec.Body.String())
}

func TestHTTPDownloadDeniedAfterExpiry(t *testing.T) {
	h := newHarness(t, time.Minute)
	router := newTestRouter(h)
	resp := uploadViaHTTP(t, router, "ephemeral", "60")

	h.at(61 * time.Second)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/access/"+resp["fileHash"], nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "access denied")
}

func TestHTTPUnknownAndExpiredLookAlike(t *testing.T) {
	h := newHarness(t, time.Minute)
	router := newTestRouter(h)
	resp := uploadViaHTTP(t, router, "ephemeral", "60")
	h.at(61 * time.Second)

	expired := httptest.NewRecorder()
	router.ServeHTTP(expired, httptest.NewRequest(http.MethodGet, "/api/access/"+resp["fileHash"], nil))

	unknown := httptest.NewRecorder()
	router.ServeHTTP(unknown, httptest.NewRequest(http.MethodGet, "/api/access/bafkreigh2akiscaildcqabsyg3dfr6chu3fgpregiymsck7e7aqa4s52zy", nil))

	assert.Equal(t, expired.Code, unknown.Code)
	assert.Equal(t, expired.Body.String(), unknown.Body.String())
}

func TestHTTPLedgerOutageIs503(t *testing.T) {
	h := newHarness(t, time.Minute)
	router := newTestRouter(h)
	resp := uploadViaHTTP(t, router, "payload", "60")

	h.ledger.setDown(true)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/access/"+resp["fileHash"], nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHTTPViewTokenFlow(t *testing.T) {
	h := newHarness(t, 120*time.Second)
	router := newTestRouter(h)
	resp := uploadViaHTTP(t, router, "inline preview", "86400")
	id := resp["fileHash"]

	h.at(10 * time.Second)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/files/"+id+"/view-token", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var grant map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &grant))
	require.NotEmpty(t, grant["token"])
	assert.Equal(t, "2024-05-01T12:02:10Z", grant["expiresAt"])

	viewURL := "/api/files/" + id + "/view?token=" + url.QueryEscape(grant["token"])

	h.at(70 * time.Second)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, viewURL, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "inline preview", rec.Body.String())
	assert.Equal(t, "inline; filename=notes.txt", rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	h.at(140 * time.Second)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, viewURL, nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHTTPViewWithoutToken(t *testing.T) {
	h := newHarness(t, time.Minute)
	router := newTestRouter(h)
	resp := uploadViaHTTP(t, router, "payload", "60")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/files/"+resp["fileHash"]+"/view", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestContentDisposition(t *testing.T) {
	assert.Equal(t, "attachment", contentDisposition("attachment", ""))
	assert.Equal(t, `attachment; filename="my report.pdf"`, contentDisposition("attachment", "my report.pdf"))
	assert.Equal(t, "inline; filename*=utf-8''%C3%BCber.txt", contentDisposition("inline", "über.txt"))
}
