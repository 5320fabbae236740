package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/vicentereig/whatsapp-stickerbot/internal/outbox"
	"github.com/vicentereig/whatsapp-stickerbot/internal/pipeline"
	"github.com/vicentereig/whatsapp-stickerbot/internal/requestid"
	"github.com/vicentereig/whatsapp-stickerbot/internal/store"
	"github.com/vicentereig/whatsapp-stickerbot/internal/types"
)

// Downloader fetches attachment bytes from the messaging transport.
type Downloader interface {
	Download(ctx context.Context, att types.Attachment) ([]byte, error)
}

// Converter turns media into a sticker.
type Converter interface {
	Convert(ctx context.Context, req types.MediaRequest) (pipeline.Result, error)
}

// Outbox accepts outbound messages regardless of session state.
type Outbox interface {
	EnqueueOrSend(ctx context.Context, p outbox.Pending) outbox.Outcome
}

// History records processed messages and conversion outcomes.
type History interface {
	MarkProcessed(id, chatJID string, at time.Time) (bool, error)
	StoreChat(jid, name string, lastMessageTime time.Time) error
	RecordConversion(c store.Conversion) error
}

type Options struct {
	Prefix string
	// Greet sends the help text the first time a chat talks to the bot.
	Greet         bool
	MaxConcurrent int64
}

// Dispatcher routes inbound messages to replies and conversions.
type Dispatcher struct {
	downloader Downloader
	converter  Converter
	outbox     Outbox
	history    History
	opts       Options
	log        zerolog.Logger

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu      sync.Mutex
	greeted map[string]struct{}
}

// New builds a dispatcher. history may be nil.
func New(downloader Downloader, converter Converter, out Outbox, history History, opts Options, log zerolog.Logger) *Dispatcher {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	return &Dispatcher{
		downloader: downloader,
		converter:  converter,
		outbox:     out,
		history:    history,
		opts:       opts,
		log:        log.With().Str("component", "dispatcher").Logger(),
		sem:        semaphore.NewWeighted(opts.MaxConcurrent),
		greeted:    make(map[string]struct{}),
	}
}

// Handle processes one inbound message. Conversions continue in the
// background; use Wait to drain them.
func (d *Dispatcher) Handle(ctx context.Context, msg types.InboundMessage) {
	if msg.IsFromMe {
		return
	}
	if !d.remember(msg) {
		d.log.Debug().Str("message_id", msg.ID).Msg("duplicate message ignored")
		return
	}

	cmd := ParseCommand(d.opts.Prefix, msg.Text)
	if d.opts.Greet && d.firstContact(msg.ChatJID) && cmd != CommandHelp {
		d.send(ctx, msg.ChatJID, types.Payload{Text: helpText(d.opts.Prefix)}, types.SendOptions{})
	}

	switch cmd {
	case CommandPing:
		d.reply(ctx, msg, pongReply)
	case CommandHelp:
		d.reply(ctx, msg, helpText(d.opts.Prefix))
	case CommandStatic:
		d.sticker(ctx, msg, false)
	case CommandAnimated:
		d.sticker(ctx, msg, true)
	}
}

// Wait blocks until all running conversions have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// remember returns false when the message was already processed.
func (d *Dispatcher) remember(msg types.InboundMessage) bool {
	if d.history == nil || msg.ID == "" {
		return true
	}
	at := msg.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	fresh, err := d.history.MarkProcessed(msg.ID, msg.ChatJID, at)
	if err != nil {
		d.log.Warn().Err(err).Str("message_id", msg.ID).Msg("failed to mark message processed")
		fresh = true
	}
	if fresh {
		name := msg.ChatName
		if name == "" {
			name = msg.ChatJID
		}
		if err := d.history.StoreChat(msg.ChatJID, name, at); err != nil {
			d.log.Warn().Err(err).Str("chat", msg.ChatJID).Msg("failed to store chat")
		}
	}
	return fresh
}

func (d *Dispatcher) firstContact(chat string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.greeted[chat]; ok {
		return false
	}
	d.greeted[chat] = struct{}{}
	return true
}

func (d *Dispatcher) sticker(ctx context.Context, msg types.InboundMessage, animated bool) {
	att := sourceAttachment(msg)
	if att == nil {
		d.reply(ctx, msg, noMediaReply(d.opts.Prefix, animated))
		return
	}

	fam := familyOf(att.MimeType)
	if text, ok := d.guidance(fam, animated); !ok {
		d.reply(ctx, msg, text)
		if fam == familyOther {
			d.record(msg, att.MimeType, animated, requestid.New(), pipeline.Result{}, &pipeline.Error{Reason: pipeline.ReasonUnsupportedType}, 0)
		}
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.sem.Acquire(ctx, 1); err != nil {
			d.log.Debug().Err(err).Str("message_id", msg.ID).Msg("conversion abandoned")
			return
		}
		defer d.sem.Release(1)
		d.convert(ctx, msg, *att, animated)
	}()
}

// guidance checks the media family against the requested flavour. It
// returns the reply to send when the request cannot proceed.
func (d *Dispatcher) guidance(fam family, animated bool) (string, bool) {
	switch {
	case fam == familyOther:
		return unsupportedReply, false
	case fam == familyVideo && !animated:
		return videoForStaticReply(d.opts.Prefix), false
	case fam == familyStill && animated:
		return stillForAnimatedReply(d.opts.Prefix), false
	}
	return "", true
}

func (d *Dispatcher) convert(ctx context.Context, msg types.InboundMessage, att types.Attachment, animated bool) {
	start := time.Now()
	log := d.log.With().Str("message_id", msg.ID).Str("chat", msg.ChatJID).Bool("animated", animated).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("conversion panicked")
			d.reply(ctx, msg, internalReply)
			d.record(msg, att.MimeType, animated, requestid.New(), pipeline.Result{},
				&pipeline.Error{Reason: pipeline.ReasonEncodeFailed, Err: fmt.Errorf("panic: %v", r)}, time.Since(start))
		}
	}()

	data, err := d.downloader.Download(ctx, att)
	if err != nil || len(data) == 0 {
		if err == nil {
			err = fmt.Errorf("empty media payload")
		}
		log.Warn().Err(err).Msg("media download failed")
		perr := &pipeline.Error{Reason: pipeline.ReasonDownloadFailed, Err: err}
		d.reply(ctx, msg, failureReply(perr, animated))
		d.record(msg, att.MimeType, animated, requestid.New(), pipeline.Result{}, perr, time.Since(start))
		return
	}

	mimeType := att.MimeType
	if familyOf(mimeType) == familyUnknown {
		mimeType = mimetype.Detect(data).String()
		log.Debug().Str("detected", mimeType).Msg("declared type is generic, sniffed content")
		if text, ok := d.guidance(familyOf(mimeType), animated); !ok {
			d.reply(ctx, msg, text)
			if familyOf(mimeType) == familyOther {
				d.record(msg, mimeType, animated, requestid.New(), pipeline.Result{},
					&pipeline.Error{Reason: pipeline.ReasonUnsupportedType}, time.Since(start))
			}
			return
		}
	}

	res, err := d.converter.Convert(ctx, types.MediaRequest{
		SourceID:      msg.ID,
		MimeType:      mimeType,
		Data:          data,
		Kind:          att.Kind,
		WantsAnimated: animated,
	})
	id := res.ID
	if id == "" {
		id = requestid.New()
	}
	if err != nil {
		d.reply(ctx, msg, failureReply(err, animated))
		d.record(msg, mimeType, animated, id, res, err, time.Since(start))
		return
	}

	outcome := d.outbox.EnqueueOrSend(ctx, outbox.Pending{
		Destination: msg.ChatJID,
		Payload: types.Payload{Sticker: &types.Sticker{
			Data:     res.Data,
			MimeType: res.MimeType,
			Animated: res.Animated,
			Size:     res.Size,
		}},
		Options: replyOptions(msg),
	})
	log.Debug().Str("conversion_id", id).Str("delivery", outcome.String()).Msg("sticker handed to outbox")
	d.record(msg, mimeType, animated, id, res, nil, time.Since(start))
}

func (d *Dispatcher) record(msg types.InboundMessage, mimeType string, animated bool, id string, res pipeline.Result, err error, elapsed time.Duration) {
	if d.history == nil {
		return
	}
	c := store.Conversion{
		ID:         id,
		ChatJID:    msg.ChatJID,
		ChatName:   msg.ChatName,
		MessageID:  msg.ID,
		Flavour:    flavour(animated),
		MimeType:   mimeType,
		Outcome:    store.OutcomeAccepted,
		DurationMS: elapsed.Milliseconds(),
		CreatedAt:  time.Now(),
	}
	if err != nil {
		c.Outcome = store.OutcomeRejected
		if reason, ok := pipeline.ReasonOf(err); ok {
			c.Reason = string(reason)
		} else {
			c.Reason = "internal"
		}
	} else {
		c.Pass = res.Pass
		c.Size = res.Size
		c.Oversized = res.Oversized
	}
	if err := d.history.RecordConversion(c); err != nil {
		d.log.Warn().Err(err).Str("conversion_id", id).Msg("failed to record conversion")
	}
}

func (d *Dispatcher) reply(ctx context.Context, msg types.InboundMessage, text string) {
	d.send(ctx, msg.ChatJID, types.Payload{Text: text}, replyOptions(msg))
}

func (d *Dispatcher) send(ctx context.Context, to string, payload types.Payload, opts types.SendOptions) {
	outcome := d.outbox.EnqueueOrSend(ctx, outbox.Pending{Destination: to, Payload: payload, Options: opts})
	if outcome == outbox.Dropped {
		d.log.Warn().Str("to", to).Msg("reply dropped")
	}
}

func replyOptions(msg types.InboundMessage) types.SendOptions {
	return types.SendOptions{ReplyTo: msg.ID, ReplyToSender: msg.Sender}
}

// sourceAttachment prefers the message's own media over the quoted one.
func sourceAttachment(msg types.InboundMessage) *types.Attachment {
	if msg.Media != nil {
		return msg.Media
	}
	if msg.Quoted != nil && msg.Quoted.Media != nil {
		return msg.Quoted.Media
	}
	return nil
}

func flavour(animated bool) string {
	if animated {
		return "animated"
	}
	return "static"
}
