package command

import (
	"fmt"

	"github.com/vigil-edr/vigil/internal/ioc"
	"github.com/vigil-edr/vigil/internal/protocol"
)

// ValidateParams checks that a command carries the parameters its type
// requires, with well-formed values. The error message names the command
// type and the offending key so operators can fix the request.
func ValidateParams(typ protocol.CommandType, params map[string]string) error {
	switch typ {
	case protocol.CmdDeleteFile:
		if params["path"] == "" {
			return fmt.Errorf("DELETE_FILE requires a non-empty path parameter")
		}
	case protocol.CmdKillProcess, protocol.CmdKillProcessTree:
		pid := params["pid"]
		if pid == "" {
			return fmt.Errorf("%s requires a pid parameter", typ)
		}
		if !allDigits(pid) {
			return fmt.Errorf("%s pid must be a decimal number, got %q", typ, pid)
		}
	case protocol.CmdBlockIP:
		ip := params["ip"]
		if ip == "" {
			return fmt.Errorf("BLOCK_IP requires an ip parameter")
		}
		if !ioc.ValidIP(ip) {
			return fmt.Errorf("BLOCK_IP ip must be a dotted-quad address, got %q", ip)
		}
	case protocol.CmdBlockURL:
		if params["url"] == "" {
			return fmt.Errorf("BLOCK_URL requires a non-empty url parameter")
		}
	case protocol.CmdNetworkIsolate, protocol.CmdNetworkRestore, protocol.CmdUpdateIOCs:
		// No parameters.
	default:
		return fmt.Errorf("command type %s cannot be dispatched", typ)
	}
	return nil
}

func allDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}
