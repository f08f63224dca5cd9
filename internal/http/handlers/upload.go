package handlers

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/archivebridge-backend/internal/http/response"
	"github.com/yungbote/archivebridge-backend/internal/platform/logger"
)

/*
UploadHandler is the remote end of the chunked file transport.

Protocol:
	POST /api/upload           multipart parts `chunk` + `filename`,
	                           header `Content-Range: bytes <s>-<e>/<total>`;
	                           the first chunk gets `{"upload_id": ...}`
	                           back, later chunks send the id as a form
	                           field.
	POST /api/upload_complete/ JSON {"upload_id": ...} assembles the
	                           staged part file into the target dir.

Chunks are written at their stated offset, so re-sent or out-of-order
blocks are idempotent.
*/
type UploadHandler struct {
	log *logger.Logger
	dir string

	mu       sync.Mutex
	sessions map[string]*uploadSession
}

type uploadSession struct {
	filename string
	partPath string
	total    int64
}

func NewUploadHandler(baseLog *logger.Logger, dir string) *UploadHandler {
	return &UploadHandler{
		log:      baseLog.With("handler", "UploadHandler"),
		dir:      dir,
		sessions: make(map[string]*uploadSession),
	}
}

// POST /api/upload
func (h *UploadHandler) UploadChunk(c *gin.Context) {
	start, _, total, err := parseContentRange(c.GetHeader("Content-Range"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_content_range", err)
		return
	}
	filename := c.PostForm("filename")
	if filename == "" {
		response.RespondError(c, http.StatusBadRequest, "missing_filename", fmt.Errorf("filename form field required"))
		return
	}
	filename = filepath.Base(filename)

	uploadID := c.PostForm("upload_id")
	sess, err := h.session(uploadID, filename, total)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "unknown_upload", err)
		return
	}
	if uploadID == "" {
		uploadID = h.register(sess)
	}

	chunk, err := c.FormFile("chunk")
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "missing_chunk", err)
		return
	}
	src, err := chunk.Open()
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "chunk_open_failed", err)
		return
	}
	defer src.Close()

	if err := writeAt(sess.partPath, src, start); err != nil {
		response.RespondError(c, http.StatusInternalServerError, "chunk_write_failed", err)
		return
	}

	h.log.Debug("Stored chunk", "upload_id", uploadID, "filename", filename, "offset", start)
	response.RespondOK(c, gin.H{"upload_id": uploadID})
}

// POST /api/upload_complete/
func (h *UploadHandler) UploadComplete(c *gin.Context) {
	var body struct {
		UploadID string `json:"upload_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}

	h.mu.Lock()
	sess, ok := h.sessions[body.UploadID]
	if ok {
		delete(h.sessions, body.UploadID)
	}
	h.mu.Unlock()
	if !ok {
		response.RespondError(c, http.StatusBadRequest, "unknown_upload", fmt.Errorf("no session for upload_id %q", body.UploadID))
		return
	}

	final := filepath.Join(h.dir, sess.filename)
	if err := os.Rename(sess.partPath, final); err != nil {
		response.RespondError(c, http.StatusInternalServerError, "assemble_failed", err)
		return
	}
	h.log.Info("Upload finalized", "upload_id", body.UploadID, "path", final)
	response.RespondOK(c, gin.H{"upload_id": body.UploadID, "path": final})
}

func (h *UploadHandler) session(uploadID, filename string, total int64) (*uploadSession, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if uploadID != "" {
		sess, ok := h.sessions[uploadID]
		if !ok {
			return nil, fmt.Errorf("no session for upload_id %q", uploadID)
		}
		return sess, nil
	}
	return &uploadSession{
		filename: filename,
		total:    total,
	}, nil
}

func (h *UploadHandler) register(sess *uploadSession) string {
	id := uuid.New().String()
	sess.partPath = filepath.Join(h.dir, id+".part")
	h.mu.Lock()
	h.sessions[id] = sess
	h.mu.Unlock()
	return id
}

func parseContentRange(header string) (start, end, total int64, err error) {
	if header == "" {
		return 0, 0, 0, fmt.Errorf("Content-Range header required")
	}
	if _, err := fmt.Sscanf(header, "bytes %d-%d/%d", &start, &end, &total); err != nil {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range %q", header)
	}
	if start < 0 || total < 0 {
		return 0, 0, 0, fmt.Errorf("malformed Content-Range %q", header)
	}
	return start, end, total, nil
}

func writeAt(path string, src io.Reader, offset int64) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	_, err = io.Copy(f, src)
	return err
}
