package mpdserver

import (
	"errors"
	"strings"
)

// CommandName identifies a protocol command.
type CommandName string

const (
	CmdAdd              CommandName = "add"
	CmdChannels         CommandName = "channels"
	CmdClear            CommandName = "clear"
	CmdClose            CommandName = "close"
	CmdCommands         CommandName = "commands"
	CmdCount            CommandName = "count"
	CmdCurrentSong      CommandName = "currentsong"
	CmdDelete           CommandName = "delete"
	CmdIdle             CommandName = "idle"
	CmdList             CommandName = "list"
	CmdListAllInfo      CommandName = "listallinfo"
	CmdListPlaylists    CommandName = "listplaylists"
	CmdLsInfo           CommandName = "lsinfo"
	CmdNext             CommandName = "next"
	CmdNoIdle           CommandName = "noidle"
	CmdOutputs          CommandName = "outputs"
	CmdPause            CommandName = "pause"
	CmdPing             CommandName = "ping"
	CmdPlay             CommandName = "play"
	CmdPlayID           CommandName = "playid"
	CmdPlaylistInfo     CommandName = "playlistinfo"
	CmdPlChanges        CommandName = "plchanges"
	CmdPlChangesPosID   CommandName = "plchangesposid"
	CmdPrev             CommandName = "prev"
	CmdPrevious         CommandName = "previous"
	CmdRandom           CommandName = "random"
	CmdRepeat           CommandName = "repeat"
	CmdReplayGainStatus CommandName = "replay_gain_status"
	CmdSearch           CommandName = "search"
	CmdSeekID           CommandName = "seekid"
	CmdSetVol           CommandName = "setvol"
	CmdStats            CommandName = "stats"
	CmdStatus           CommandName = "status"
	CmdSticker          CommandName = "sticker"
	CmdStop             CommandName = "stop"
	CmdTagTypes         CommandName = "tagtypes"
	CmdUpdate           CommandName = "update"
	CmdURLHandlers      CommandName = "urlhandlers"
)

// AllCommands is every command the dispatcher handles, in the order the
// commands command reports them.
var AllCommands = []CommandName{
	CmdAdd, CmdChannels, CmdClear, CmdClose, CmdCommands, CmdCount,
	CmdCurrentSong, CmdDelete, CmdIdle, CmdList, CmdListAllInfo,
	CmdListPlaylists, CmdLsInfo, CmdNext, CmdNoIdle, CmdOutputs, CmdPause,
	CmdPing, CmdPlay, CmdPlayID, CmdPlaylistInfo, CmdPlChanges,
	CmdPlChangesPosID, CmdPrev, CmdPrevious, CmdRandom, CmdRepeat,
	CmdReplayGainStatus, CmdSearch, CmdSeekID, CmdSetVol, CmdStats,
	CmdStatus, CmdSticker, CmdStop, CmdTagTypes, CmdUpdate, CmdURLHandlers,
}

// Batch markers.
const (
	listBegin   = "command_list_begin"
	listOKBegin = "command_list_ok_begin"
	listEnd     = "command_list_end"
)

// Command is one parsed request line.
type Command struct {
	Name CommandName
	Args []string
}

var errUnterminatedQuote = errors.New("unterminated quoted argument")

// splitArgs tokenizes a request line. Text inside double quotes is one
// argument kept verbatim apart from \" and \\ escapes; text outside quotes
// is split on whitespace, and whitespace-only runs produce nothing.
func splitArgs(line string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		inQuote bool
		hasTok  bool
	)

	flush := func() {
		if hasTok {
			args = append(args, cur.String())
		}
		cur.Reset()
		hasTok = false
	}

	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case inQuote && c == '\\' && i+1 < len(line) && (line[i+1] == '"' || line[i+1] == '\\'):
			i++
			cur.WriteByte(line[i])
		case c == '"':
			if inQuote {
				inQuote = false
				flush()
			} else {
				flush()
				inQuote = true
				hasTok = true
			}
		case !inQuote && (c == ' ' || c == '\t' || c == '\r'):
			flush()
		default:
			cur.WriteByte(c)
			hasTok = true
		}
	}
	if inQuote {
		return nil, errUnterminatedQuote
	}
	flush()
	return args, nil
}

// parseCommand parses one request line. The name is lower-cased.
func parseCommand(line string) (Command, error) {
	tokens, err := splitArgs(line)
	if err != nil {
		return Command{}, argError("%v", err)
	}
	if len(tokens) == 0 {
		return Command{}, argError("empty command")
	}
	return Command{Name: CommandName(strings.ToLower(tokens[0])), Args: tokens[1:]}, nil
}
