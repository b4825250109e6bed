package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "daemon", "muxd":
		return daemonTemplate, nil
	case "client", "muxctl":
		return clientTemplate, nil
	case "directory":
		return directoryTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite && exists(path) {
		return fmt.Errorf("config already exists: %s", path)
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const daemonTemplate = `name = "muxd"
addr = "127.0.0.1:9400"
ws_addr = "127.0.0.1:9402"
ws_path = "/mux"
admin_addr = "127.0.0.1:9401"
cors_origins = ["http://localhost:3000"]
directory_path = "directory.yaml"
directory_watch = true
log_level = "info"
token = ""
builtins = ["echo", "counter"]

[session]
connect_timeout = "5s"
handshake_timeout = "5s"
read_timeout = "0s"
write_timeout = "15s"
resolve_timeout = "2s"
mailbox_depth = 64
max_payload_bytes = 8388608
`

const clientTemplate = `address = "127.0.0.1:9400"
peer = "muxctl"
token = ""

[session]
connect_timeout = "5s"
retry_attempts = 3
`

const directoryTemplate = `services:
  - name: echo
    id: 1
  - name: counter
    id: 2
  - name: settings
    id: 7
`
