package mpdserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitArgs(t *testing.T) {
	tests := []struct {
		name string
		line string
		want []string
	}{
		{"bare command", "status", []string{"status"}},
		{"unquoted args", "setvol  50", []string{"setvol", "50"}},
		{"quoted path with spaces", `add "joni/blue/01 all i want.flac"`, []string{"add", "joni/blue/01 all i want.flac"}},
		{"quoted pair", `search album "Kind of Blue"`, []string{"search", "album", "Kind of Blue"}},
		{"all quoted", `"sticker" "get" "song" "a b" "rating"`, []string{"sticker", "get", "song", "a b", "rating"}},
		{"escaped quote", `add "say \"hi\".flac"`, []string{"add", `say "hi".flac`}},
		{"escaped backslash", `add "a\\b"`, []string{"add", `a\b`}},
		{"empty quoted", `search title ""`, []string{"search", "title", ""}},
		{"tabs and trailing space", "play\t3 ", []string{"play", "3"}},
		{"whitespace only", "   ", nil},
		{"carriage return", "ping\r", []string{"ping"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := splitArgs(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSplitArgsUnterminatedQuote(t *testing.T) {
	_, err := splitArgs(`add "unterminated`)
	assert.ErrorIs(t, err, errUnterminatedQuote)
}

func TestParseCommand(t *testing.T) {
	cmd, err := parseCommand(`SeekID 12 "30.5"`)
	require.NoError(t, err)
	assert.Equal(t, CmdSeekID, cmd.Name)
	assert.Equal(t, []string{"12", "30.5"}, cmd.Args)

	_, err = parseCommand("  ")
	assert.ErrorIs(t, err, ErrArgument)

	_, err = parseCommand(`add "x`)
	assert.ErrorIs(t, err, ErrArgument)
}

func TestHandlersCoverAllCommands(t *testing.T) {
	for _, name := range AllCommands {
		assert.Contains(t, handlers, name, "no handler for %s", name)
	}
	assert.Len(t, handlers, len(AllCommands), "handler table has commands missing from AllCommands")
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		in         string
		length     int
		start, end int
		wantErr    bool
	}{
		{"0", 3, 0, 1, false},
		{"2", 3, 2, 3, false},
		{"1:3", 3, 1, 3, false},
		{"1:", 3, 1, 3, false},
		{"3", 3, 0, 0, true},
		{"-1", 3, 0, 0, true},
		{"2:1", 3, 0, 0, true},
		{"x", 3, 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			start, end, err := parseRange(tt.in, tt.length)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrArgument)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.start, start)
			assert.Equal(t, tt.end, end)
		})
	}
}

func TestAckLine(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{argError("bad song index 9"), "ACK [2@1] {play} bad song index 9: invalid argument\n"},
		{ErrUnknownCommand, "ACK [5@1] {play} unknown command\n"},
		{backend(errNotFoundForTest, "add"), "ACK [50@1] {play} add: not found: no such object\n"},
		{ErrBackend, "ACK [52@1] {play} backend error\n"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ackLine(tt.err, 1, "play"))
	}
}
