// Package logrotate writes and removes the per-project logrotate
// configuration the lifecycle engine installs after a successful
// start and removes when stop_all leaves no instance of the project
// and the project is no longer in the scheduler's model.
package logrotate

import (
	"fmt"
	"os"
	"path/filepath"
)

const instanceWatchPrefix = "instance_"

const template = `/var/log/appscale/%s*.log {
 size %d
 missingok
 rotate 7
 compress
 delaycompress
 notifempty
 copytruncate
}
`

// Manager installs and removes a project's logrotate configuration.
type Manager struct {
	configDir string
}

// New builds a Manager writing scripts under configDir.
func New(configDir string) *Manager {
	return &Manager{configDir: configDir}
}

func (m *Manager) path(projectID string) string {
	return filepath.Join(m.configDir, "appscale-"+projectID)
}

// Install writes projectID's logrotate script sized logSizeBytes.
func (m *Manager) Install(projectID string, logSizeBytes int) error {
	logPrefix := instanceWatchPrefix + projectID
	contents := fmt.Sprintf(template, logPrefix, logSizeBytes)
	if err := os.WriteFile(m.path(projectID), []byte(contents), 0o644); err != nil {
		return fmt.Errorf("logrotate: write config for %s: %w", projectID, err)
	}
	return nil
}

// Remove deletes projectID's logrotate script, if any.
func (m *Manager) Remove(projectID string) error {
	if err := os.Remove(m.path(projectID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("logrotate: remove config for %s: %w", projectID, err)
	}
	return nil
}
