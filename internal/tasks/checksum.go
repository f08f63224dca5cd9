package tasks

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/yungbote/archivebridge-backend/internal/workflow/runtime"
)

// hashFromAlgorithm maps the archival algorithm labels onto hash
// constructors. Labels follow the PREMIS spelling (SHA-256, not sha256).
func hashFromAlgorithm(algorithm string) (hash.Hash, error) {
	switch strings.ToUpper(strings.TrimSpace(algorithm)) {
	case "MD5":
		return md5.New(), nil
	case "SHA-1":
		return sha1.New(), nil
	case "SHA-224":
		return sha256.New224(), nil
	case "SHA-256":
		return sha256.New(), nil
	case "SHA-384":
		return sha512.New384(), nil
	case "SHA-512":
		return sha512.New(), nil
	}
	return nil, fmt.Errorf("%w: unsupported checksum algorithm %q", runtime.ErrParameter, algorithm)
}

// hashFile streams the file through the hash one block at a time,
// reporting progress against the file size.
func hashFile(h *runtime.Handle, filename, algorithm string, blockSize int) (string, error) {
	hasher, err := hashFromAlgorithm(algorithm)
	if err != nil {
		return "", err
	}
	f, err := os.Open(filename)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	size := info.Size()
	if blockSize <= 0 {
		blockSize = 65536
	}

	buf := make([]byte, blockSize)
	var read int64
	for {
		n, rErr := f.Read(buf)
		if n > 0 {
			hasher.Write(buf[:n])
			read += int64(n)
			h.SetProgress(read, size)
		}
		if rErr == io.EOF {
			break
		}
		if rErr != nil {
			return "", rErr
		}
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// CalculateChecksum computes the checksum for a file, one block at a
// time, and returns the hexadecimal digest.
type CalculateChecksum struct{}

func (CalculateChecksum) Name() string  { return "preservation.tasks.CalculateChecksum" }
func (CalculateChecksum) Queue() string { return "file_operation" }

func (CalculateChecksum) Run(h *runtime.Handle, params map[string]any) (any, error) {
	filename, err := runtime.StringParam(params, "filename")
	if err != nil {
		return nil, err
	}
	algorithm := runtime.OptionalString(params, "algorithm", h.DefaultChecksumAlgorithm)
	blockSize := runtime.OptionalInt(params, "block_size", h.DefaultBlockSize)

	digest, err := hashFile(h, filename, algorithm, blockSize)
	if err != nil {
		return nil, err
	}
	h.SetProgress(100, 100)
	return digest, nil
}

func (CalculateChecksum) EventOutcomeSuccess(params map[string]any) string {
	filename := runtime.OptionalString(params, "filename", "?")
	algorithm := runtime.OptionalString(params, "algorithm", "SHA-256")
	return fmt.Sprintf("Created checksum for %s with %s", filename, algorithm)
}

// ValidateIntegrity recomputes a file's checksum and compares it to the
// expected digest, failing the task on mismatch.
type ValidateIntegrity struct{}

func (ValidateIntegrity) Name() string  { return "preservation.tasks.ValidateIntegrity" }
func (ValidateIntegrity) Queue() string { return "validation" }

func (ValidateIntegrity) Run(h *runtime.Handle, params map[string]any) (any, error) {
	filename, err := runtime.StringParam(params, "filename")
	if err != nil {
		return nil, err
	}
	expected, err := runtime.StringParam(params, "checksum")
	if err != nil {
		return nil, err
	}
	algorithm := runtime.OptionalString(params, "algorithm", h.DefaultChecksumAlgorithm)
	blockSize := runtime.OptionalInt(params, "block_size", h.DefaultBlockSize)

	actual, err := hashFile(h, filename, algorithm, blockSize)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(actual, expected) {
		return nil, fmt.Errorf("checksum mismatch for %s: expected %s, got %s", filename, expected, actual)
	}
	h.SetProgress(100, 100)
	return actual, nil
}

func (ValidateIntegrity) EventOutcomeSuccess(params map[string]any) string {
	filename := runtime.OptionalString(params, "filename", "?")
	return fmt.Sprintf("Validated integrity of %s", filename)
}
