package protocol

import (
	"errors"
	"strings"

	"github.com/tidwall/redcon"
)

// ErrInvalidCommand is returned when a command is invalid
var ErrInvalidCommand = errors.New("invalid command")

// AppendCommand appends args to b as an array of bulk strings, the way a
// client would send them and the way the binlog stores them.
func AppendCommand(b []byte, args ...string) []byte {
	b = redcon.AppendArray(b, len(args))
	for _, arg := range args {
		b = redcon.AppendBulkString(b, arg)
	}
	return b
}

// ReadCommands decodes every command in data, the inverse of AppendCommand.
func ReadCommands(data []byte) ([][]string, error) {
	var cmds [][]string
	for len(data) > 0 {
		n, resp := redcon.ReadNextRESP(data)
		if n == 0 || resp.Type != redcon.Array {
			return nil, ErrInvalidCommand
		}
		var args []string
		resp.ForEach(func(r redcon.RESP) bool {
			args = append(args, string(r.Data))
			return true
		})
		cmds = append(cmds, args)
		data = data[n:]
	}
	return cmds, nil
}

// Normalize returns the canonical lookup form of a command name.
func Normalize(name string) string {
	return strings.ToLower(name)
}
