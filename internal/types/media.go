// Package types provides shared data structures used across packages.
// This enables dependency inversion: client, dispatch and pipeline all import
// types, rather than importing each other.
package types

import (
	"strings"
	"time"
)

// Kind is the declared media family of an attachment.
type Kind string

const (
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindDocument Kind = "document"
)

// KindFromString maps a WhatsApp media type name to a Kind. Stickers are
// treated as images; audio and anything else are not convertible.
func KindFromString(s string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "image", "sticker":
		return KindImage, true
	case "video":
		return KindVideo, true
	case "document":
		return KindDocument, true
	default:
		return "", false
	}
}

// MediaDownloadRequest contains parameters for downloading media from WhatsApp.
// Used by both client (to perform download) and dispatch (to request download).
type MediaDownloadRequest struct {
	URL           string
	DirectPath    string
	MediaKey      []byte
	FileSHA256    []byte
	FileEncSHA256 []byte
	FileLength    uint64
	MediaType     string
	MimeType      string
}

// MediaRequest is one conversion job. It is built once by the dispatcher and
// consumed once by the pipeline; nothing mutates it afterwards.
type MediaRequest struct {
	SourceID      string
	MimeType      string
	Data          []byte
	Kind          Kind
	WantsAnimated bool
}

// Attachment describes downloadable media carried by an inbound message.
type Attachment struct {
	Kind     Kind
	MimeType string
	Filename string
	Download MediaDownloadRequest
}

// InboundMessage is the transport-neutral view of a received chat message.
// Quoted is populated for at most one level of reply indirection.
type InboundMessage struct {
	ID        string
	ChatJID   string
	ChatName  string
	Sender    string
	PushName  string
	Text      string
	Timestamp time.Time
	IsFromMe  bool
	Media     *Attachment
	Quoted    *InboundMessage
}

// Sticker is an encoded WebP sticker ready to be uploaded.
type Sticker struct {
	Data     []byte
	MimeType string
	Animated bool
	Size     int
}

// Payload is what the outbox delivers: exactly one of Text or Sticker is set.
type Payload struct {
	Text    string
	Sticker *Sticker
}

// SendOptions carries per-send delivery hints.
type SendOptions struct {
	// ReplyTo is the message id the outbound message quotes, if any.
	ReplyTo       string
	ReplyToSender string
}
