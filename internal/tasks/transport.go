package tasks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gorm.io/datatypes"

	types "github.com/yungbote/archivebridge-backend/internal/domain/workflow"
	"github.com/yungbote/archivebridge-backend/internal/workflow/runtime"
)

var transportClient = &http.Client{Timeout: 30 * time.Second}

// isRemote decides local vs. remote transport by URL-validating dst.
func isRemote(dst string) bool {
	u, err := url.ParseRequestURI(dst)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

/*
CopyChunk copies one block of a file to a destination.

Local destinations get the block written at its offset. Remote (HTTP)
destinations get a multipart POST with parts `chunk` and `filename` and
a `Content-Range: bytes <start>-<end>/<total>` header; the server
assigns an upload_id on the first chunk, which later chunks thread
through (read back from the first chunk's persisted result, which chain
ordering guarantees is visible). The final chunk (offset >= file_size)
posts to `<dst>_complete/` to finalize the upload.
*/
type CopyChunk struct{}

func (CopyChunk) Name() string  { return "preservation.tasks.CopyChunk" }
func (CopyChunk) Queue() string { return "file_operation" }
func (CopyChunk) Hidden() bool  { return true }

func (t CopyChunk) Run(h *runtime.Handle, params map[string]any) (any, error) {
	src, err := runtime.StringParam(params, "src")
	if err != nil {
		return nil, err
	}
	dst, err := runtime.StringParam(params, "dst")
	if err != nil {
		return nil, err
	}
	offset := runtime.OptionalInt64(params, "offset", 0)
	blockSize := runtime.OptionalInt(params, "block_size", h.DefaultBlockSize)
	if blockSize <= 0 {
		blockSize = 65536
	}
	fileSize := runtime.OptionalInt64(params, "file_size", 0)

	if isRemote(dst) {
		uploadID := runtime.OptionalString(params, "upload_id", "")
		if uploadID == "" && offset > 0 {
			uploadID = t.lookupUploadID(h)
		}
		if offset >= fileSize {
			if err := t.complete(h, dst, uploadID); err != nil {
				return nil, err
			}
			h.SetProgress(100, 100)
			return map[string]any{"upload_id": uploadID}, nil
		}
		uploadID, err = t.remote(h, src, dst, offset, blockSize, fileSize, uploadID)
		if err != nil {
			return nil, err
		}
		h.SetProgress(100, 100)
		return map[string]any{"upload_id": uploadID}, nil
	}

	if err := t.local(src, dst, offset, blockSize); err != nil {
		return nil, err
	}
	h.SetProgress(100, 100)
	return nil, nil
}

func (CopyChunk) EventOutcomeSuccess(params map[string]any) string {
	return fmt.Sprintf("Copied chunk at offset %d and size %d from %s to %s",
		runtime.OptionalInt64(params, "offset", 0),
		runtime.OptionalInt64(params, "block_size", 0),
		runtime.OptionalString(params, "src", "?"),
		runtime.OptionalString(params, "dst", "?"),
	)
}

func (CopyChunk) local(src, dst string, offset int64, blockSize int) error {
	srcf, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcf.Close()
	if _, err := srcf.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	buf := make([]byte, blockSize)
	n, err := srcf.Read(buf)
	if err != nil && err != io.EOF {
		return err
	}
	if n == 0 {
		return nil
	}

	dstf, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer dstf.Close()
	if _, err := dstf.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	_, err = dstf.Write(buf[:n])
	return err
}

func (CopyChunk) remote(h *runtime.Handle, src, dst string, offset int64, blockSize int, fileSize int64, uploadID string) (string, error) {
	srcf, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer srcf.Close()
	if _, err := srcf.Seek(offset, io.SeekStart); err != nil {
		return "", err
	}
	buf := make([]byte, blockSize)
	n, err := srcf.Read(buf)
	if err != nil && err != io.EOF {
		return "", err
	}

	var body bytes.Buffer
	mp := multipart.NewWriter(&body)
	part, err := mp.CreateFormFile("chunk", filepath.Base(src))
	if err != nil {
		return "", err
	}
	if _, err := part.Write(buf[:n]); err != nil {
		return "", err
	}
	if err := mp.WriteField("filename", filepath.Base(src)); err != nil {
		return "", err
	}
	if uploadID != "" {
		if err := mp.WriteField("upload_id", uploadID); err != nil {
			return "", err
		}
	}
	if err := mp.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(h.Ctx, http.MethodPost, dst, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mp.FormDataContentType())
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+int64(blockSize)-1, fileSize))

	resp, err := transportClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("chunk upload to %s failed: %s", dst, resp.Status)
	}

	var out struct {
		UploadID string `json:"upload_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err == nil && out.UploadID != "" {
		uploadID = out.UploadID
	}
	return uploadID, nil
}

func (CopyChunk) complete(h *runtime.Handle, dst, uploadID string) error {
	payload, _ := json.Marshal(map[string]string{"upload_id": uploadID})
	req, err := http.NewRequestWithContext(h.Ctx, http.MethodPost, dst+"_complete/", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := transportClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("upload completion at %s_complete/ failed: %s", dst, resp.Status)
	}
	return nil
}

// lookupUploadID recovers the server-assigned id from an earlier
// chunk's persisted result, usually the offset-0 chunk.
func (CopyChunk) lookupUploadID(h *runtime.Handle) string {
	if h.Task.ParentStepID == nil {
		return ""
	}
	siblings, err := h.Tasks.ForStep(dbc(h), *h.Task.ParentStepID)
	if err != nil {
		return ""
	}
	for _, s := range siblings {
		if s.Status != types.StatusSuccess || len(s.Result) == 0 {
			continue
		}
		var res struct {
			UploadID string `json:"upload_id"`
		}
		if err := json.Unmarshal(s.Result, &res); err == nil && res.UploadID != "" {
			return res.UploadID
		}
	}
	return ""
}

/*
CopyFile copies a file in restartable chunks.

A fresh run creates a child step holding one CopyChunk task per block
at parent_step_pos = block index (plus the finalizing chunk at offset
>= file_size for remote destinations) and runs it as a chain. Because
every chunk is its own task record, a failed transfer resumes through
retry: the re-run finds the existing step, replaces failed chunks, and
only executes blocks that never reached SUCCESS.
*/
type CopyFile struct{}

func (CopyFile) Name() string  { return "preservation.tasks.CopyFile" }
func (CopyFile) Queue() string { return "file_operation" }

func (t CopyFile) Run(h *runtime.Handle, params map[string]any) (any, error) {
	src, err := runtime.StringParam(params, "src")
	if err != nil {
		return nil, err
	}
	dst, err := runtime.StringParam(params, "dst")
	if err != nil {
		return nil, err
	}
	blockSize := runtime.OptionalInt(params, "block_size", h.DefaultBlockSize)
	if blockSize <= 0 {
		blockSize = 65536
	}
	info, err := os.Stat(src)
	if err != nil {
		return nil, err
	}
	fileSize := info.Size()

	copyStep, fresh, err := t.ensureCopyStep(h, src, dst, blockSize, fileSize)
	if err != nil {
		return nil, err
	}
	if fresh && !isRemote(dst) {
		// Truncate the destination once before the chain starts.
		f, err := os.Create(dst)
		if err != nil {
			return nil, err
		}
		_ = f.Close()
	}
	if !fresh {
		// Re-run: replace failed chunks first, then drive the remainder.
		if err := h.RetryStepEagerly(copyStep); err != nil {
			return nil, err
		}
	}
	if err := h.RunStepEagerly(copyStep); err != nil {
		return nil, err
	}
	h.SetProgress(100, 100)
	return nil, nil
}

func (CopyFile) EventOutcomeSuccess(params map[string]any) string {
	return fmt.Sprintf("Copied %s to %s",
		runtime.OptionalString(params, "src", "?"),
		runtime.OptionalString(params, "dst", "?"),
	)
}

// ensureCopyStep finds the chunk step from a prior attempt or creates
// it with the full chunk schedule.
func (t CopyFile) ensureCopyStep(h *runtime.Handle, src, dst string, blockSize int, fileSize int64) (*types.Step, bool, error) {
	name := fmt.Sprintf("Copy %s to %s", src, dst)
	existing, err := h.Steps.ByName(dbc(h), h.Task.ParentStepID, name)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	step := &types.Step{
		Name:         name,
		ParentStepID: h.Task.ParentStepID,
		PackageID:    h.Task.PackageID,
		Hidden:       true,
	}
	if _, err := h.Steps.Create(dbc(h), []*types.Step{step}); err != nil {
		return nil, false, err
	}

	remote := isRemote(dst)
	var chunks []*types.Task
	for idx := int64(0); idx*int64(blockSize) <= fileSize; idx++ {
		offset := idx * int64(blockSize)
		if offset >= fileSize && !remote {
			// Local copies need no finalizing chunk.
			break
		}
		p, _ := json.Marshal(map[string]any{
			"src":        src,
			"dst":        dst,
			"offset":     offset,
			"block_size": blockSize,
			"file_size":  fileSize,
		})
		chunks = append(chunks, &types.Task{
			Name:          CopyChunk{}.Name(),
			Params:        datatypes.JSON(p),
			ParentStepID:  &step.ID,
			ParentStepPos: int(idx),
			PackageID:     h.Task.PackageID,
			Queue:         CopyChunk{}.Queue(),
			Hidden:        true,
		})
	}
	if _, err := h.Tasks.Create(dbc(h), chunks); err != nil {
		return nil, false, err
	}
	return step, true, nil
}
