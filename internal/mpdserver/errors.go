package mpdserver

import (
	"errors"
	"fmt"
)

// Command failures. Handlers wrap one of these with fmt.Errorf("...: %w").
var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrArgument       = errors.New("invalid argument")
	ErrNoExist        = errors.New("no such object")
	ErrBackend        = errors.New("backend error")
)

// errCloseConnection is returned by the close command.
var errCloseConnection = errors.New("client requested close")

// errShutdown ends an idle wait when the server stops.
var errShutdown = errors.New("server shutting down")

// errClientGone ends an idle wait when the client disconnects.
var errClientGone = errors.New("client disconnected")

// ACK error codes of the reference protocol.
const (
	ackErrorArg     = 2
	ackErrorUnknown = 5
	ackErrorNoExist = 50
	ackErrorSystem  = 52
)

// ackCode maps a command error to its ACK code and metrics outcome.
func ackCode(err error) (int, string) {
	switch {
	case errors.Is(err, ErrUnknownCommand):
		return ackErrorUnknown, "unknown"
	case errors.Is(err, ErrArgument):
		return ackErrorArg, "arg"
	case errors.Is(err, ErrNoExist):
		return ackErrorNoExist, "noexist"
	default:
		return ackErrorSystem, "system"
	}
}

// ackLine renders "ACK [code@index] {command} message".
func ackLine(err error, index int, command string) string {
	code, _ := ackCode(err)
	return fmt.Sprintf("ACK [%d@%d] {%s} %s\n", code, index, command, err.Error())
}

func argError(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrArgument)
}
