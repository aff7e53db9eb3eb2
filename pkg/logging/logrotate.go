package logging

import "fmt"

// GenerateLogrotateConfig creates a logrotate configuration for a component
func GenerateLogrotateConfig(component string) string {
	return fmt.Sprintf(`# Logrotate configuration for reelmix %s
# Install: sudo cp this file to /etc/logrotate.d/reelmix-%s

/var/log/reelmix/%s.log {
    daily
    rotate 14
    compress
    delaycompress
    missingok
    notifempty
    create 0644 reelmix reelmix

    # Renders are long-running; truncate in place instead of restarting
    copytruncate
}
`, component, component, component)
}
