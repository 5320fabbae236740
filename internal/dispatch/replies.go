package dispatch

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vicentereig/whatsapp-stickerbot/internal/pipeline"
)

func helpText(prefix string) string {
	var b strings.Builder
	b.WriteString("Hi! I'm a sticker bot.\n")
	fmt.Fprintf(&b, "%sping - check the connection\n", prefix)
	fmt.Fprintf(&b, "%ss - static sticker from an image\n", prefix)
	fmt.Fprintf(&b, "%ssa - animated sticker from a GIF or short video\n", prefix)
	fmt.Fprintf(&b, "%shelp - show this message\n", prefix)
	b.WriteString("Send the command as the media caption, or reply to the media with it.")
	return b.String()
}

func noMediaReply(prefix string, animated bool) string {
	if animated {
		return fmt.Sprintf("Send a GIF or MP4 with %ssa", prefix)
	}
	return fmt.Sprintf("Send an image with %ss", prefix)
}

func videoForStaticReply(prefix string) string {
	return fmt.Sprintf("That's a video. Use %ssa for an animated sticker.", prefix)
}

func stillForAnimatedReply(prefix string) string {
	return fmt.Sprintf("That's a still image. Use %ss for a static sticker.", prefix)
}

const (
	pongReply        = "Pong!"
	downloadReply    = "Couldn't download the media. Please send it again."
	unsupportedReply = "I can't make a sticker from this file type. Send an image, GIF or MP4."
	internalReply    = "Something went wrong while making your sticker."
)

// failureReply turns a pipeline error into the single message the user sees.
func failureReply(err error, animated bool) string {
	var pe *pipeline.Error
	if !errors.As(err, &pe) {
		return internalReply
	}
	switch pe.Reason {
	case pipeline.ReasonDownloadFailed:
		return downloadReply
	case pipeline.ReasonUnsupportedType:
		return unsupportedReply
	case pipeline.ReasonDurationExceeded:
		return fmt.Sprintf("The clip is %s long but the limit is %s. Trim it and send it again.",
			formatSeconds(pe.Duration), formatSeconds(pe.Limit))
	case pipeline.ReasonProbeFailed:
		return "Couldn't read the length of that clip. Try another file."
	case pipeline.ReasonSizeUnattainable:
		return "The sticker came out too large. Try a shorter or smaller clip."
	}
	if animated {
		return "Error creating the animated sticker"
	}
	return "Error creating the static sticker"
}

func formatSeconds(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}
