package app

import (
	"fmt"
	"os"
	"path/filepath"
)

const unitTemplate = `[Unit]
Description=MMRelay - Meshtastic <=> Matrix relay
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=%s --config %s
Restart=on-failure
RestartSec=10

[Install]
WantedBy=default.target
`

// InstallService writes a systemd user unit pointing at the current binary
// and returns the unit path. It never invokes systemctl; the caller prints
// enable/start instructions.
func InstallService(configPath string) (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable path: %w", err)
	}
	absConfig, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("resolve config path: %w", err)
	}

	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	dir := filepath.Join(base, "systemd", "user")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create systemd user dir: %w", err)
	}

	unitPath := filepath.Join(dir, "mmrelay.service")
	unit := fmt.Sprintf(unitTemplate, exe, absConfig)
	if err := os.WriteFile(unitPath, []byte(unit), 0o644); err != nil {
		return "", fmt.Errorf("write unit file: %w", err)
	}
	return unitPath, nil
}
