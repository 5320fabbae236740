package client

import (
	"context"
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	bottypes "github.com/vicentereig/whatsapp-stickerbot/internal/types"
)

// ToInbound converts a whatsmeow message event into the transport-neutral
// form. A quoted message is resolved one level deep.
func ToInbound(msg *events.Message) bottypes.InboundMessage {
	sender := msg.Info.Sender.User
	if sender == "" {
		if s := msg.Info.Sender.String(); s != "" {
			sender = s
		}
	}

	in := bottypes.InboundMessage{
		ID:        msg.Info.ID,
		ChatJID:   msg.Info.Chat.String(),
		Sender:    sender,
		PushName:  msg.Info.PushName,
		Timestamp: msg.Info.Timestamp,
		IsFromMe:  msg.Info.IsFromMe,
	}

	text, media, ctxInfo := extractContent(msg.Message)
	in.Text = text
	in.Media = media

	if quoted := ctxInfo.GetQuotedMessage(); quoted != nil {
		qText, qMedia, _ := extractContent(quoted)
		qSender := ctxInfo.GetParticipant()
		if i := strings.IndexByte(qSender, '@'); i >= 0 {
			qSender = qSender[:i]
		}
		in.Quoted = &bottypes.InboundMessage{
			ID:      ctxInfo.GetStanzaID(),
			ChatJID: in.ChatJID,
			Sender:  qSender,
			Text:    qText,
			Media:   qMedia,
		}
	}

	return in
}

// extractContent returns the text, the convertible attachment and the
// context info of m.
func extractContent(m *waE2E.Message) (string, *bottypes.Attachment, *waE2E.ContextInfo) {
	if m == nil {
		return "", nil, nil
	}

	var text string
	var ctxInfo *waE2E.ContextInfo
	switch {
	case m.GetConversation() != "":
		text = m.GetConversation()
	case m.GetExtendedTextMessage() != nil:
		text = m.GetExtendedTextMessage().GetText()
		ctxInfo = m.GetExtendedTextMessage().GetContextInfo()
	}

	if img := m.GetImageMessage(); img != nil {
		if text == "" {
			text = img.GetCaption()
		}
		return text, &bottypes.Attachment{
			Kind:     bottypes.KindImage,
			MimeType: img.GetMimetype(),
			Download: bottypes.MediaDownloadRequest{
				URL:           img.GetURL(),
				DirectPath:    img.GetDirectPath(),
				MediaKey:      cloneBytes(img.GetMediaKey()),
				FileSHA256:    cloneBytes(img.GetFileSHA256()),
				FileEncSHA256: cloneBytes(img.GetFileEncSHA256()),
				FileLength:    img.GetFileLength(),
				MediaType:     "image",
				MimeType:      img.GetMimetype(),
			},
		}, firstContext(ctxInfo, img.GetContextInfo())
	}

	if video := m.GetVideoMessage(); video != nil {
		if text == "" {
			text = video.GetCaption()
		}
		return text, &bottypes.Attachment{
			Kind:     bottypes.KindVideo,
			MimeType: video.GetMimetype(),
			Download: bottypes.MediaDownloadRequest{
				URL:           video.GetURL(),
				DirectPath:    video.GetDirectPath(),
				MediaKey:      cloneBytes(video.GetMediaKey()),
				FileSHA256:    cloneBytes(video.GetFileSHA256()),
				FileEncSHA256: cloneBytes(video.GetFileEncSHA256()),
				FileLength:    video.GetFileLength(),
				MediaType:     "video",
				MimeType:      video.GetMimetype(),
			},
		}, firstContext(ctxInfo, video.GetContextInfo())
	}

	if doc := m.GetDocumentMessage(); doc != nil {
		if text == "" {
			text = doc.GetCaption()
		}
		return text, &bottypes.Attachment{
			Kind:     bottypes.KindDocument,
			MimeType: doc.GetMimetype(),
			Filename: doc.GetFileName(),
			Download: bottypes.MediaDownloadRequest{
				URL:           doc.GetURL(),
				DirectPath:    doc.GetDirectPath(),
				MediaKey:      cloneBytes(doc.GetMediaKey()),
				FileSHA256:    cloneBytes(doc.GetFileSHA256()),
				FileEncSHA256: cloneBytes(doc.GetFileEncSHA256()),
				FileLength:    doc.GetFileLength(),
				MediaType:     "document",
				MimeType:      doc.GetMimetype(),
			},
		}, firstContext(ctxInfo, doc.GetContextInfo())
	}

	if st := m.GetStickerMessage(); st != nil {
		return text, &bottypes.Attachment{
			Kind:     bottypes.KindImage,
			MimeType: st.GetMimetype(),
			Download: bottypes.MediaDownloadRequest{
				URL:           st.GetURL(),
				DirectPath:    st.GetDirectPath(),
				MediaKey:      cloneBytes(st.GetMediaKey()),
				FileSHA256:    cloneBytes(st.GetFileSHA256()),
				FileEncSHA256: cloneBytes(st.GetFileEncSHA256()),
				FileLength:    st.GetFileLength(),
				MediaType:     "sticker",
				MimeType:      st.GetMimetype(),
			},
		}, firstContext(ctxInfo, st.GetContextInfo())
	}

	return text, nil, ctxInfo
}

func firstContext(a, b *waE2E.ContextInfo) *waE2E.ContextInfo {
	if a != nil {
		return a
	}
	return b
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Send delivers a text or sticker payload to destination.
func (t *Transport) Send(ctx context.Context, destination string, payload bottypes.Payload, opts bottypes.SendOptions) error {
	if !t.client.IsConnected() {
		return ErrNotConnected
	}

	jid, err := parseJID(destination)
	if err != nil {
		return fmt.Errorf("invalid destination %q: %w", destination, err)
	}

	msg, err := t.buildMessage(ctx, payload, opts)
	if err != nil {
		return err
	}

	if _, err := t.client.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func (t *Transport) buildMessage(ctx context.Context, payload bottypes.Payload, opts bottypes.SendOptions) (*waE2E.Message, error) {
	if payload.Sticker == nil {
		return textMessage(payload.Text, opts), nil
	}

	st := payload.Sticker
	uploaded, err := t.client.Upload(ctx, st.Data, whatsmeow.MediaImage)
	if err != nil {
		return nil, fmt.Errorf("failed to upload sticker: %w", err)
	}
	return stickerMessage(uploaded, st, opts), nil
}

func textMessage(text string, opts bottypes.SendOptions) *waE2E.Message {
	if opts.ReplyTo == "" {
		return &waE2E.Message{Conversation: proto.String(text)}
	}
	return &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text:        proto.String(text),
			ContextInfo: replyContext(opts),
		},
	}
}

func stickerMessage(up whatsmeow.UploadResponse, st *bottypes.Sticker, opts bottypes.SendOptions) *waE2E.Message {
	mimeType := st.MimeType
	if mimeType == "" {
		mimeType = "image/webp"
	}
	return &waE2E.Message{
		StickerMessage: &waE2E.StickerMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(uint64(len(st.Data))),
			Mimetype:      proto.String(mimeType),
			IsAnimated:    proto.Bool(st.Animated),
			ContextInfo:   replyContext(opts),
		},
	}
}

func replyContext(opts bottypes.SendOptions) *waE2E.ContextInfo {
	if opts.ReplyTo == "" {
		return nil
	}
	info := &waE2E.ContextInfo{StanzaID: proto.String(opts.ReplyTo)}
	if opts.ReplyToSender != "" {
		participant := opts.ReplyToSender
		if !strings.Contains(participant, "@") {
			participant += "@s.whatsapp.net"
		}
		info.Participant = proto.String(participant)
	}
	return info
}
