package chatclient

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bubbles/pkg/protocol"
)

type fakeMessageAPI struct {
	sendErr   error
	editErr   error
	deleteErr error

	sent    []protocol.Message
	edited  []string
	deleted []string
}

func (f *fakeMessageAPI) SendMessage(ctx context.Context, chatID, id, content string, images []string) (*protocol.Message, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	m := protocol.Message{
		ID:       id,
		ChatID:   chatID,
		SenderID: "self",
		Content:  content,
		Images:   images,
		SentAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if m.Images == nil {
		m.Images = []string{}
	}
	f.sent = append(f.sent, m)
	return &m, nil
}

func (f *fakeMessageAPI) EditMessage(ctx context.Context, messageID, content string, removeImages []string) (*protocol.Message, error) {
	if f.editErr != nil {
		return nil, f.editErr
	}
	f.edited = append(f.edited, messageID)
	return &protocol.Message{
		ID:       messageID,
		ChatID:   "chat-1",
		SenderID: "self",
		Content:  content,
		Images:   []string{},
		IsEdited: true,
		SentAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}, nil
}

func (f *fakeMessageAPI) DeleteMessage(ctx context.Context, messageID string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, messageID)
	return nil
}

type fakeUploader struct {
	err     error
	failOn  string // filename that fails, when err is set selectively
	urls    []string
	deleted []string
}

func (f *fakeUploader) Upload(ctx context.Context, filename string, content io.Reader) (string, error) {
	if f.err != nil && (f.failOn == "" || f.failOn == filename) {
		return "", f.err
	}
	url := "/api/images/" + filename
	f.urls = append(f.urls, url)
	return url, nil
}

func (f *fakeUploader) DeleteImages(ctx context.Context, urls []string) error {
	f.deleted = append(f.deleted, urls...)
	return nil
}

func newTestPipeline(api MessageAPI, uploads Uploader) (*Pipeline, *Timeline) {
	tl := NewTimeline()
	p := NewPipeline(api, uploads, tl, "chat-1", "self", "alice")
	n := 0
	p.newID = func() string {
		n++
		return "local-" + string(rune('0'+n))
	}
	return p, tl
}

func TestPipelineSendConfirmed(t *testing.T) {
	api := &fakeMessageAPI{}
	p, tl := newTestPipeline(api, &fakeUploader{})

	id, err := p.Send(context.Background(), "hello", nil)
	require.NoError(t, err)

	got, ok := tl.Get(id)
	require.True(t, ok)
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, 1, tl.Len(), "confirmed copy replaces the optimistic one")
	require.Len(t, api.sent, 1)
	assert.Equal(t, id, api.sent[0].ID, "server receives the locally minted id")
}

func TestPipelineSendRollbackOnFailure(t *testing.T) {
	api := &fakeMessageAPI{sendErr: errors.New("boom")}
	p, tl := newTestPipeline(api, &fakeUploader{})

	_, err := p.Send(context.Background(), "hello", nil)
	require.Error(t, err)
	assert.Equal(t, 0, tl.Len(), "failed send leaves no trace")
}

func TestPipelineSendUploadsAttachments(t *testing.T) {
	api := &fakeMessageAPI{}
	up := &fakeUploader{}
	p, tl := newTestPipeline(api, up)

	id, err := p.Send(context.Background(), "pics", []Attachment{
		{Name: "a.png", Content: nil},
		{Name: "b.png", Content: nil},
	})
	require.NoError(t, err)

	got, _ := tl.Get(id)
	assert.Equal(t, []string{"/api/images/a.png", "/api/images/b.png"}, got.Images)
	require.Len(t, api.sent, 1)
	assert.Len(t, api.sent[0].Images, 2)
}

func TestPipelineSendUploadFailureAborts(t *testing.T) {
	api := &fakeMessageAPI{}
	p, tl := newTestPipeline(api, &fakeUploader{err: errors.New("disk full")})

	_, err := p.Send(context.Background(), "pics", []Attachment{{Name: "a.png"}})
	require.Error(t, err)
	assert.Equal(t, 0, tl.Len())
	assert.Empty(t, api.sent, "upload failure never reaches the server")
}

func TestPipelineSendUploadFailureDiscardsEarlierUploads(t *testing.T) {
	api := &fakeMessageAPI{}
	up := &fakeUploader{err: errors.New("disk full"), failOn: "b.png"}
	p, tl := newTestPipeline(api, up)

	_, err := p.Send(context.Background(), "pics", []Attachment{
		{Name: "a.png"},
		{Name: "b.png"},
	})
	require.Error(t, err)
	assert.Equal(t, 0, tl.Len())
	assert.Equal(t, []string{"/api/images/a.png"}, up.deleted,
		"the upload that succeeded before the abort is cleaned up")
}

func TestPipelineSendFailureDiscardsUploads(t *testing.T) {
	api := &fakeMessageAPI{sendErr: errors.New("boom")}
	up := &fakeUploader{}
	p, tl := newTestPipeline(api, up)

	_, err := p.Send(context.Background(), "pics", []Attachment{
		{Name: "a.png"},
		{Name: "b.png"},
	})
	require.Error(t, err)
	assert.Equal(t, 0, tl.Len())
	assert.Equal(t, []string{"/api/images/a.png", "/api/images/b.png"}, up.deleted)
}

func TestPipelineEditApplied(t *testing.T) {
	api := &fakeMessageAPI{}
	p, tl := newTestPipeline(api, &fakeUploader{})

	sentAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tl.Upsert(protocol.Message{ID: "m1", ChatID: "chat-1", SenderID: "self", Content: "original", Images: []string{}, SentAt: sentAt})
	p.now = func() time.Time { return sentAt.Add(time.Minute) }

	require.NoError(t, p.Edit(context.Background(), "m1", "fixed", nil))

	got, _ := tl.Get("m1")
	assert.Equal(t, "fixed", got.Content)
	assert.True(t, got.IsEdited)
	assert.Equal(t, []string{"m1"}, api.edited)
}

func TestPipelineEditWindow(t *testing.T) {
	api := &fakeMessageAPI{}
	p, tl := newTestPipeline(api, &fakeUploader{})

	sentAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tl.Upsert(protocol.Message{ID: "m1", ChatID: "chat-1", SenderID: "self", Content: "original", Images: []string{}, SentAt: sentAt})

	// One second inside the window.
	p.now = func() time.Time { return sentAt.Add(9*time.Minute + 59*time.Second) }
	require.NoError(t, p.Edit(context.Background(), "m1", "in time", nil))

	// One second past it.
	p.now = func() time.Time { return sentAt.Add(10*time.Minute + 1*time.Second) }
	err := p.Edit(context.Background(), "m1", "too late", nil)
	require.ErrorIs(t, err, ErrEditWindowExpired)

	got, _ := tl.Get("m1")
	assert.Equal(t, "in time", got.Content, "rejected edit never touches the timeline")
	assert.Len(t, api.edited, 1, "rejected edit never reaches the server")
}

func TestPipelineEditRollbackOnFailure(t *testing.T) {
	api := &fakeMessageAPI{editErr: errors.New("boom")}
	p, tl := newTestPipeline(api, &fakeUploader{})

	sentAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	orig := protocol.Message{ID: "m1", ChatID: "chat-1", SenderID: "self", Content: "original", Images: []string{"/api/images/a.png"}, SentAt: sentAt}
	tl.Upsert(orig)
	p.now = func() time.Time { return sentAt.Add(time.Minute) }

	err := p.Edit(context.Background(), "m1", "changed", []string{"/api/images/a.png"})
	require.Error(t, err)

	got, _ := tl.Get("m1")
	assert.Equal(t, "original", got.Content)
	assert.Equal(t, orig.Images, got.Images)
	assert.False(t, got.IsEdited)
}

func TestPipelineDelete(t *testing.T) {
	api := &fakeMessageAPI{}
	p, tl := newTestPipeline(api, &fakeUploader{})

	sentAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tl.Upsert(protocol.Message{ID: "m1", ChatID: "chat-1", SenderID: "self", Content: "bye", Images: []string{}, SentAt: sentAt})

	require.NoError(t, p.Delete(context.Background(), "m1"))
	got, _ := tl.Get("m1")
	assert.True(t, got.IsDeleted)
	assert.Equal(t, []string{"m1"}, api.deleted)
}

func TestPipelineDeleteRollbackOnFailure(t *testing.T) {
	api := &fakeMessageAPI{deleteErr: errors.New("boom")}
	p, tl := newTestPipeline(api, &fakeUploader{})

	sentAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tl.Upsert(protocol.Message{ID: "m1", ChatID: "chat-1", SenderID: "self", Content: "keep me", Images: []string{}, SentAt: sentAt})

	require.Error(t, p.Delete(context.Background(), "m1"))
	got, _ := tl.Get("m1")
	assert.False(t, got.IsDeleted)
	assert.Equal(t, "keep me", got.Content)
}

func TestPipelineUnknownMessage(t *testing.T) {
	p, _ := newTestPipeline(&fakeMessageAPI{}, &fakeUploader{})
	assert.Error(t, p.Edit(context.Background(), "nope", "x", nil))
	assert.Error(t, p.Delete(context.Background(), "nope"))
}
