package upload

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

func multipartUpload(t *testing.T, filename string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/uploads", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUploadServeDelete(t *testing.T) {
	s := New(t.TempDir(), 1<<20)
	content := append(append([]byte{}, pngHeader...), []byte("fake pixels")...)

	rec := httptest.NewRecorder()
	s.Upload(rec, multipartUpload(t, "photo.png", content))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp UploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.URL, publicPrefix))
	assert.Equal(t, "photo.png", resp.FileName)

	name := strings.TrimPrefix(resp.URL, publicPrefix)
	assert.NotEqual(t, "photo.png", name, "stored name is randomized")

	rec = httptest.NewRecorder()
	s.Serve(rec, httptest.NewRequest(http.MethodGet, resp.URL, nil), name)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, content, rec.Body.Bytes())

	s.Delete([]string{resp.URL})
	_, err := os.Stat(filepath.Join(s.Dir, name))
	assert.True(t, os.IsNotExist(err))

	// Deleting again, or garbage, is quietly skipped.
	s.Delete([]string{resp.URL, "https://elsewhere.example/x.png", ""})
}

func TestUploadRejectsNonImageExtension(t *testing.T) {
	s := New(t.TempDir(), 1<<20)

	rec := httptest.NewRecorder()
	s.Upload(rec, multipartUpload(t, "notes.txt", []byte("hello")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadRejectsMismatchedContent(t *testing.T) {
	s := New(t.TempDir(), 1<<20)

	// .png extension with JPEG bytes.
	rec := httptest.NewRecorder()
	s.Upload(rec, multipartUpload(t, "photo.png", []byte{0xFF, 0xD8, 0xFF, 0xE0}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadRequiresImageField(t *testing.T) {
	s := New(t.TempDir(), 1<<20)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/uploads", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	rec := httptest.NewRecorder()
	s.Upload(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeUnknownFile(t *testing.T) {
	s := New(t.TempDir(), 1<<20)
	rec := httptest.NewRecorder()
	s.Serve(rec, httptest.NewRequest(http.MethodGet, "/api/images/nope.png", nil), "nope.png")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMatchMagic(t *testing.T) {
	assert.True(t, matchMagic(".png", pngHeader))
	assert.True(t, matchMagic(".jpg", []byte{0xFF, 0xD8, 0xFF, 0xE0}))
	assert.True(t, matchMagic(".gif", []byte("GIF89a...")))
	assert.False(t, matchMagic(".png", []byte("plain text that is long enough")))
	assert.False(t, matchMagic(".exe", pngHeader))
}
