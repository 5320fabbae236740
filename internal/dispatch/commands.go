package dispatch

import (
	"strings"
)

// Command is a recognised chat command.
type Command int

const (
	CommandNone Command = iota
	CommandPing
	CommandStatic
	CommandAnimated
	CommandHelp
)

func (c Command) String() string {
	switch c {
	case CommandPing:
		return "ping"
	case CommandStatic:
		return "static-sticker"
	case CommandAnimated:
		return "animated-sticker"
	case CommandHelp:
		return "help"
	default:
		return "none"
	}
}

var commandNames = map[string]Command{
	"ping":             CommandPing,
	"s":                CommandStatic,
	"sticker":          CommandStatic,
	"sa":               CommandAnimated,
	"sticker-animated": CommandAnimated,
	"help":             CommandHelp,
}

// ParseCommand matches the whole of text against the known commands, so
// "!s please" is not a command. Matching is case-insensitive and ignores
// surrounding whitespace.
func ParseCommand(prefix, text string) Command {
	word := strings.ToLower(strings.TrimSpace(text))
	if word == "" {
		return CommandNone
	}
	if prefix != "" {
		if !strings.HasPrefix(word, strings.ToLower(prefix)) {
			return CommandNone
		}
		word = strings.TrimPrefix(word, strings.ToLower(prefix))
	}
	return commandNames[word]
}

// family is the coarse media class used to match a command to its source.
type family int

const (
	familyUnknown family = iota
	familyStill
	familyAnimatedImage // gif, webp
	familyVideo
	familyOther
)

func familyOf(mimeType string) family {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	switch {
	case mt == "" || mt == "application/octet-stream":
		return familyUnknown
	case mt == "image/gif" || mt == "image/webp":
		return familyAnimatedImage
	case strings.HasPrefix(mt, "image/"):
		return familyStill
	case strings.HasPrefix(mt, "video/"):
		return familyVideo
	default:
		return familyOther
	}
}
