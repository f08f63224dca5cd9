package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/archivebridge-backend/internal/data/repos/testutil"
)

func newUploadRouter(t *testing.T) (*gin.Engine, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	h := NewUploadHandler(testutil.Logger(t), dir)
	r := gin.New()
	r.POST("/api/upload", h.UploadChunk)
	r.POST("/api/upload_complete/", h.UploadComplete)
	return r, dir
}

func postChunk(tb testing.TB, r *gin.Engine, chunk []byte, filename, uploadID string, offset, total int) *httptest.ResponseRecorder {
	tb.Helper()
	var body bytes.Buffer
	mp := multipart.NewWriter(&body)
	part, err := mp.CreateFormFile("chunk", filename)
	if err != nil {
		tb.Fatalf("form file: %v", err)
	}
	if _, err := part.Write(chunk); err != nil {
		tb.Fatalf("write chunk: %v", err)
	}
	_ = mp.WriteField("filename", filename)
	if uploadID != "" {
		_ = mp.WriteField("upload_id", uploadID)
	}
	_ = mp.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &body)
	req.Header.Set("Content-Type", mp.FormDataContentType())
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+len(chunk)-1, total))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestUploadProtocolRoundTrip(t *testing.T) {
	r, dir := newUploadRouter(t)

	// First chunk opens the session and returns the id.
	w := postChunk(t, r, []byte("fo"), "f.bin", "", 0, 3)
	if w.Code != http.StatusOK {
		t.Fatalf("chunk 0: expected 200, got %d (%s)", w.Code, w.Body)
	}
	var first struct {
		UploadID string `json:"upload_id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &first); err != nil || first.UploadID == "" {
		t.Fatalf("chunk 0: expected upload_id, got %s", w.Body)
	}

	// Later chunks carry the id and land at their offset.
	w = postChunk(t, r, []byte("o"), "f.bin", first.UploadID, 2, 3)
	if w.Code != http.StatusOK {
		t.Fatalf("chunk 2: expected 200, got %d (%s)", w.Code, w.Body)
	}

	payload, _ := json.Marshal(map[string]string{"upload_id": first.UploadID})
	req := httptest.NewRequest(http.MethodPost, "/api/upload_complete/", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	done := httptest.NewRecorder()
	r.ServeHTTP(done, req)
	if done.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d (%s)", done.Code, done.Body)
	}

	got, err := os.ReadFile(filepath.Join(dir, "f.bin"))
	if err != nil {
		t.Fatalf("read assembled: %v", err)
	}
	if string(got) != "foo" {
		t.Fatalf("expected assembled %q, got %q", "foo", got)
	}
}

func TestUploadRejectsBadRequests(t *testing.T) {
	r, _ := newUploadRouter(t)

	// Missing Content-Range.
	var body bytes.Buffer
	mp := multipart.NewWriter(&body)
	_ = mp.WriteField("filename", "f.bin")
	_ = mp.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/upload", &body)
	req.Header.Set("Content-Type", mp.FormDataContentType())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing range: expected 400, got %d", w.Code)
	}

	// Unknown upload id.
	w = postChunk(t, r, []byte("x"), "f.bin", "nope", 1, 3)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown upload: expected 400, got %d", w.Code)
	}

	// Completing a session that never existed.
	payload, _ := json.Marshal(map[string]string{"upload_id": "nope"})
	req = httptest.NewRequest(http.MethodPost, "/api/upload_complete/", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown complete: expected 400, got %d", w.Code)
	}
}
