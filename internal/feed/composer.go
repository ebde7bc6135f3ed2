package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/petervdpas/huddle/internal/models"
	"github.com/petervdpas/huddle/internal/proto"
)

var (
	ErrEmptyMessage   = errors.New("feed: enter a message first")
	ErrNotImage       = errors.New("feed: you can only share images")
	ErrSignInRequired = errors.New("feed: you must sign in first")
)

// Writer is the part of the store the composer writes through.
type Writer interface {
	Push(ctx context.Context, coll string, v any) (string, error)
	Update(ctx context.Context, coll, key string, fields map[string]any) error
}

// Uploader stores image bytes and returns their locator.
type Uploader interface {
	Upload(ctx context.Context, contentType string, data []byte) (string, error)
}

// Author identifies the signed-in user. ok is false when nobody is signed in.
type Author func() (name, photoURL string, ok bool)

// Composer sends messages. It blocks on the store and the uploader, so it is
// called off the dispatch loop.
type Composer struct {
	store  Writer
	up     Uploader
	author Author
}

func NewComposer(w Writer, up Uploader, author Author) *Composer {
	return &Composer{store: w, up: up, author: author}
}

// SendText pushes a text message.
func (c *Composer) SendText(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	name, photo, ok := c.author()
	if !ok {
		return "", ErrSignInRequired
	}
	key, err := c.store.Push(ctx, proto.CollMessages, models.Message{Name: name, PhotoURL: photo, Text: text})
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return key, nil
}

// SendImage pushes a placeholder image message, uploads data and then points
// the message at the uploaded image's locator.
func (c *Composer) SendImage(ctx context.Context, data []byte) (string, error) {
	ct := http.DetectContentType(data)
	if !strings.HasPrefix(ct, "image/") {
		return "", ErrNotImage
	}
	name, photo, ok := c.author()
	if !ok {
		return "", ErrSignInRequired
	}
	key, err := c.store.Push(ctx, proto.CollMessages, models.Message{
		Name:     name,
		PhotoURL: photo,
		ImageURL: proto.PlaceholderImageURL,
	})
	if err != nil {
		return "", fmt.Errorf("send image: %w", err)
	}
	locator, err := c.up.Upload(ctx, ct, data)
	if err != nil {
		return key, fmt.Errorf("upload image: %w", err)
	}
	if err := c.store.Update(ctx, proto.CollMessages, key, map[string]any{"imageUrl": locator}); err != nil {
		return key, fmt.Errorf("update image message: %w", err)
	}
	log.Infof("shared image %s as %s", locator, key)
	return key, nil
}
