package metrics

import "strings"

// Config carries the constant labels stamped on every series.
type Config struct {
	ServiceName string
	Environment string
}

func (c Config) constLabels() map[string]string {
	serviceName := strings.TrimSpace(c.ServiceName)
	if serviceName == "" {
		serviceName = "sitebridge"
	}
	environment := strings.TrimSpace(c.Environment)
	if environment == "" {
		environment = "unknown"
	}
	return map[string]string{
		"service": serviceName,
		"env":     environment,
	}
}
