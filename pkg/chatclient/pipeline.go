package chatclient

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/bubbles/pkg/protocol"
)

// ErrEditWindowExpired is returned for edits attempted after the window
// closed. The server enforces the same rule; this check just fails fast.
var ErrEditWindowExpired = errors.New("edit window expired")

// MessageAPI is the slice of the REST client the pipeline mutates
// through.
type MessageAPI interface {
	SendMessage(ctx context.Context, chatID, id, content string, images []string) (*protocol.Message, error)
	EditMessage(ctx context.Context, messageID, content string, removeImages []string) (*protocol.Message, error)
	DeleteMessage(ctx context.Context, messageID string) error
}

// Uploader stores attachments and returns their URLs. DeleteImages
// cleans up uploads left orphaned by an aborted send.
type Uploader interface {
	Upload(ctx context.Context, filename string, content io.Reader) (string, error)
	DeleteImages(ctx context.Context, urls []string) error
}

// Attachment is a not-yet-uploaded image.
type Attachment struct {
	Name    string
	Content io.Reader
}

// Pipeline applies mutations to a chat optimistically: the timeline
// reflects the change immediately, the server call follows, and a
// failure rolls the timeline back to its previous state. Confirmed
// server copies replace optimistic ones by shared id, so a mutation is
// applied exactly once no matter which arrives first.
type Pipeline struct {
	api      MessageAPI
	uploads  Uploader
	timeline *Timeline
	chatID   string
	selfID   string
	selfName string

	// test seams
	newID func() string
	now   func() time.Time
}

func NewPipeline(api MessageAPI, uploads Uploader, timeline *Timeline, chatID, selfID, selfName string) *Pipeline {
	return &Pipeline{
		api:      api,
		uploads:  uploads,
		timeline: timeline,
		chatID:   chatID,
		selfID:   selfID,
		selfName: selfName,
		newID:    func() string { return uuid.New().String() },
		now:      time.Now,
	}
}

// Send mints an id, shows the message immediately, uploads attachments,
// then persists. Any failure removes the optimistic copy, discards the
// uploads made for the attempt and returns the error; nothing is
// retried.
func (p *Pipeline) Send(ctx context.Context, content string, attachments []Attachment) (string, error) {
	id := p.newID()
	optimistic := protocol.Message{
		ID:             id,
		ChatID:         p.chatID,
		SenderID:       p.selfID,
		SenderUsername: p.selfName,
		Content:        content,
		Images:         []string{},
		SentAt:         p.now().UTC(),
	}
	p.timeline.Upsert(optimistic)

	images := make([]string, 0, len(attachments))
	for _, a := range attachments {
		url, err := p.uploads.Upload(ctx, a.Name, a.Content)
		if err != nil {
			p.timeline.Remove(id)
			p.discardUploads(ctx, images)
			return "", err
		}
		images = append(images, url)
	}
	if len(images) > 0 {
		optimistic.Images = images
		p.timeline.Upsert(optimistic)
	}

	confirmed, err := p.api.SendMessage(ctx, p.chatID, id, content, images)
	if err != nil {
		p.timeline.Remove(id)
		p.discardUploads(ctx, images)
		return "", err
	}
	p.timeline.Upsert(*confirmed)
	return id, nil
}

// discardUploads removes uploads that never made it onto a message.
// Best effort: a leftover file is an acceptable cost of an abort.
func (p *Pipeline) discardUploads(ctx context.Context, urls []string) {
	if len(urls) == 0 {
		return
	}
	_ = p.uploads.DeleteImages(ctx, urls)
}

// Edit rewrites a message's content in place. Rejected locally when the
// edit window has already closed; rolled back when the server refuses.
func (p *Pipeline) Edit(ctx context.Context, messageID, content string, removeImages []string) error {
	prev, ok := p.timeline.Get(messageID)
	if !ok {
		return errors.New("unknown message")
	}
	if p.now().UTC().Sub(prev.SentAt) > protocol.EditWindow {
		return ErrEditWindowExpired
	}

	remaining := prev.Images
	if len(removeImages) > 0 {
		drop := make(map[string]struct{}, len(removeImages))
		for _, u := range removeImages {
			drop[u] = struct{}{}
		}
		remaining = make([]string, 0, len(prev.Images))
		for _, u := range prev.Images {
			if _, gone := drop[u]; !gone {
				remaining = append(remaining, u)
			}
		}
	}
	p.timeline.ApplyEdit(protocol.MessageEditedPayload{
		ID:       messageID,
		ChatID:   prev.ChatID,
		Content:  content,
		Images:   remaining,
		IsEdited: true,
	})

	confirmed, err := p.api.EditMessage(ctx, messageID, content, removeImages)
	if err != nil {
		p.timeline.Upsert(prev)
		return err
	}
	p.timeline.Upsert(*confirmed)
	return nil
}

// Delete tombstones a message optimistically and confirms with the
// server, restoring the original on failure.
func (p *Pipeline) Delete(ctx context.Context, messageID string) error {
	prev, ok := p.timeline.Get(messageID)
	if !ok {
		return errors.New("unknown message")
	}
	p.timeline.ApplyDelete(protocol.MessageDeletedPayload{ID: messageID, ChatID: prev.ChatID})

	if err := p.api.DeleteMessage(ctx, messageID); err != nil {
		p.timeline.Upsert(prev)
		return err
	}
	return nil
}
