package command

import (
	"strings"
	"testing"

	"github.com/vigil-edr/vigil/internal/protocol"
)

func TestValidateParams(t *testing.T) {
	cases := []struct {
		name   string
		typ    protocol.CommandType
		params map[string]string
		wantOK bool
	}{
		{"delete file ok", protocol.CmdDeleteFile, map[string]string{"path": "/tmp/mal.exe"}, true},
		{"delete file missing path", protocol.CmdDeleteFile, nil, false},
		{"kill ok", protocol.CmdKillProcess, map[string]string{"pid": "4242"}, true},
		{"kill bad pid", protocol.CmdKillProcess, map[string]string{"pid": "abc"}, false},
		{"kill tree missing pid", protocol.CmdKillProcessTree, map[string]string{}, false},
		{"block ip ok", protocol.CmdBlockIP, map[string]string{"ip": "203.0.113.7"}, true},
		{"block ip malformed", protocol.CmdBlockIP, map[string]string{"ip": "999.1.1.1"}, false},
		{"block url ok", protocol.CmdBlockURL, map[string]string{"url": "evil.example/x"}, true},
		{"block url missing", protocol.CmdBlockURL, nil, false},
		{"isolate needs nothing", protocol.CmdNetworkIsolate, nil, true},
		{"restore needs nothing", protocol.CmdNetworkRestore, nil, true},
		{"update iocs needs nothing", protocol.CmdUpdateIOCs, nil, true},
		{"unknown rejected", protocol.CmdUnknown, nil, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateParams(tc.typ, tc.params)
			if tc.wantOK && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tc.wantOK && err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestValidateErrorNamesTypeAndKey(t *testing.T) {
	err := ValidateParams(protocol.CmdDeleteFile, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "DELETE_FILE") || !strings.Contains(msg, "path") {
		t.Errorf("error should name the type and the missing key: %q", msg)
	}
}
