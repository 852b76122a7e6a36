// Package model defines the domain types used across the application.
package model

import (
	"time"

	"feedgrab/internal/filter"
)

// Epoch is the watermark used when a profile has no usable saved state.
// Every real feed item is newer than it.
var Epoch = time.Time{}

// FeedItem is a single entry parsed from a feed document.
type FeedItem struct {
	Title       string
	Link        string
	PublishedAt time.Time
}

// Profile is the resolved configuration of one feed.
type Profile struct {
	Name           string        `validate:"required"`
	FeedURL        string        `validate:"required,url"`
	Destination    string        `validate:"required"`
	Verbose        bool
	Parallel       int           `validate:"min=1"`
	RunForever     bool
	Interval       time.Duration `validate:"gt=0"`
	RequestTimeout time.Duration `validate:"gte=0"`
	CycleTimeout   time.Duration `validate:"gte=0"`
	TelegramChatID int64
	Filter         filter.Rule `validate:"-"`
}

// Download records the outcome of a single file download.
type Download struct {
	Profile   string
	URL       string
	Path      string
	Size      int64
	Error     string
	CreatedAt time.Time
}

// Succeeded reports whether the download wrote a file.
func (d Download) Succeeded() bool {
	return d.Error == ""
}
