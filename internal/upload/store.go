// Package upload stores message image attachments on local disk under
// random names and serves them back by URL.
package upload

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/bubbles/internal/logger"
)

const publicPrefix = "/api/images/"

var allowedExt = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".heic": true,
}

// UploadResponse is returned after a successful upload.
type UploadResponse struct {
	URL      string `json:"url"`
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
}

// Store handles upload, serving and deletion of image files.
type Store struct {
	Dir     string
	MaxSize int64
}

func New(dir string, maxSize int64) *Store {
	return &Store{Dir: dir, MaxSize: maxSize}
}

func (s *Store) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("upload writeJSON: %v", err)
	}
}

func (s *Store) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// Upload handles POST multipart/form-data with an "image" field. The
// file is stored under a random name; the response carries its URL.
func (s *Store) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.MaxSize)

	if err := r.ParseMultipartForm(s.MaxSize); err != nil {
		s.writeError(w, http.StatusBadRequest, "file too large")
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "image is required")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !allowedExt[ext] {
		s.writeError(w, http.StatusBadRequest, "only image files are allowed")
		return
	}

	head := make([]byte, 512)
	n, _ := io.ReadAtLeast(file, head, len(head))
	head = head[:n]
	if !matchMagic(ext, head) {
		s.writeError(w, http.StatusBadRequest, "file content does not match type")
		return
	}

	newName := uuid.New().String() + ext
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to create upload dir")
		return
	}

	dstPath := filepath.Join(s.Dir, newName)
	dst, err := os.Create(dstPath)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to save file")
		return
	}
	if _, err := dst.Write(head); err != nil {
		dst.Close()
		os.Remove(dstPath)
		s.writeError(w, http.StatusInternalServerError, "failed to save file")
		return
	}
	if _, err := io.Copy(dst, file); err != nil {
		dst.Close()
		os.Remove(dstPath)
		s.writeError(w, http.StatusInternalServerError, "failed to save file")
		return
	}
	if err := dst.Close(); err != nil {
		os.Remove(dstPath)
		s.writeError(w, http.StatusInternalServerError, "failed to save file")
		return
	}

	s.writeJSON(w, http.StatusOK, UploadResponse{
		URL:      publicPrefix + newName,
		FileName: filepath.Base(header.Filename),
		FileSize: header.Size,
	})
}

// Serve streams an image by file name.
func (s *Store) Serve(w http.ResponseWriter, r *http.Request, filename string) {
	filename = filepath.Base(filename)
	if ct := contentTypeByExt(filepath.Ext(filename)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	f, err := os.Open(filepath.Join(s.Dir, filename))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "file not found")
		return
	}
	defer f.Close()
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	io.Copy(w, f)
}

// Delete removes stored files by their public URLs. Unknown URLs are
// skipped; deletion is best effort.
func (s *Store) Delete(urls []string) {
	for _, u := range urls {
		name, ok := strings.CutPrefix(u, publicPrefix)
		if !ok || name == "" {
			continue
		}
		path := filepath.Join(s.Dir, filepath.Base(name))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Errorf("upload delete %s: %v", path, err)
		}
	}
}

func matchMagic(ext string, head []byte) bool {
	switch ext {
	case ".jpg", ".jpeg":
		return len(head) >= 3 && head[0] == 0xFF && head[1] == 0xD8 && head[2] == 0xFF
	case ".png":
		return len(head) >= 8 && bytes.Equal(head[:8], []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A})
	case ".gif":
		return len(head) >= 6 && (bytes.Equal(head[:6], []byte("GIF87a")) || bytes.Equal(head[:6], []byte("GIF89a")))
	case ".webp":
		return len(head) >= 12 && bytes.Equal(head[8:12], []byte("WEBP"))
	case ".heic":
		return len(head) >= 12 && bytes.Equal(head[4:8], []byte("ftyp"))
	}
	return false
}

func contentTypeByExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".heic":
		return "image/heic"
	}
	return ""
}
