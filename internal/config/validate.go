package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate reports every setting the gateway cannot run with. A missing
// upstream credential or identity project is not an error here: requests
// fail individually until they are configured.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxConcurrent < 0 || c.Server.MaxBacklog < 0 {
		errs = append(errs, errors.New("server.max_concurrent and server.max_backlog must not be negative"))
	}
	if c.Server.MaxBodyBytes < 0 {
		errs = append(errs, errors.New("server.max_body_bytes must not be negative"))
	}

	if u, err := url.Parse(c.Upstream.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("upstream.base_url %q is not an http(s) URL", c.Upstream.BaseURL))
	}
	if c.Upstream.DefaultModel == "" {
		errs = append(errs, errors.New("upstream.default_model is required"))
	}
	if c.Upstream.DefaultTemperature < 0 || c.Upstream.DefaultTemperature > 2 {
		errs = append(errs, fmt.Errorf("upstream.default_temperature %v outside [0, 2]", c.Upstream.DefaultTemperature))
	}
	if c.Upstream.MaxHistory < 0 {
		errs = append(errs, errors.New("upstream.max_history must not be negative"))
	}
	if c.Upstream.Timeout < 0 {
		errs = append(errs, errors.New("upstream.timeout must not be negative"))
	}

	if !c.Identity.Emulator && c.Identity.CertsURL == "" {
		errs = append(errs, errors.New("identity.certs_url is required outside emulator mode"))
	}

	if c.Database.Enabled && (c.Database.Host == "" || c.Database.Name == "") {
		errs = append(errs, errors.New("database.host and database.name are required when the usage ledger is enabled"))
	}

	if c.Telemetry.MetricsPort < 0 || c.Telemetry.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("telemetry.metrics_port %d out of range", c.Telemetry.MetricsPort))
	} else if c.Telemetry.MetricsPort != 0 && c.Telemetry.MetricsPort == c.Server.Port {
		errs = append(errs, errors.New("telemetry.metrics_port must differ from server.port"))
	}

	return errors.Join(errs...)
}
