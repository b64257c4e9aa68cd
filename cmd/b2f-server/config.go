package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	host            string
	port            int
	usersPath       string
	mailboxDir      string
	interactiveTO   time.Duration
	receiveIdle     time.Duration
	debug           bool
	logFormat       string
	metricsAddr     string
	maxClients      int
	keepRaw         bool
	serialDev       string
	serialBaud      int
	mdnsEnable      bool
	mdnsName        string
	logMetricsEvery time.Duration
}

func (c *appConfig) listenAddr() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	host := flag.String("host", "0.0.0.0", "TCP bind address")
	port := flag.Int("port", 8772, "TCP bind port")
	usersPath := flag.String("users", "users.json", "Path to users.json credential file")
	mailboxDir := flag.String("mailbox", "mailbox", "Mailbox output directory")
	timeout := flag.Int("timeout", 120, "Interactive read timeout (seconds)")
	recvIdle := flag.Int("recv-idle", 5, "Batch receive idle timeout (seconds)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	logFormat := flag.String("log-format", "text", "Log format: text|json|pretty")
	metricsAddr := flag.String("metrics-addr", ":9772", "Metrics HTTP listen address; empty disables")
	maxClients := flag.Int("max-clients", 64, "Maximum simultaneous client sessions")
	keepRaw := flag.Bool("keep-raw", false, "Keep raw compressed frame payloads alongside extracted mail")
	serialDev := flag.String("serial-dev", "", "Serial device path (empty disables the serial listener)")
	serialBaud := flag.Int("serial-baud", 115200, "Serial baud rate")
	mdnsEnable := flag.Bool("mdns", false, "Enable mDNS/Avahi advertisement")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default b2f-server-<hostname>)")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.host = *host
	cfg.port = *port
	cfg.usersPath = *usersPath
	cfg.mailboxDir = *mailboxDir
	cfg.interactiveTO = time.Duration(*timeout) * time.Second
	cfg.receiveIdle = time.Duration(*recvIdle) * time.Second
	cfg.debug = *debug
	cfg.logFormat = *logFormat
	cfg.metricsAddr = *metricsAddr
	cfg.maxClients = *maxClients
	cfg.keepRaw = *keepRaw
	cfg.serialDev = *serialDev
	cfg.serialBaud = *serialBaud
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName
	cfg.logMetricsEvery = *logMetricsEvery

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners – only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("port out of range: %d", c.port)
	}
	switch c.logFormat {
	case "text", "json", "pretty":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	if c.interactiveTO <= 0 {
		return fmt.Errorf("timeout must be > 0")
	}
	if c.receiveIdle <= 0 {
		return fmt.Errorf("recv-idle must be > 0")
	}
	if c.maxClients <= 0 {
		return fmt.Errorf("max-clients must be > 0 (got %d)", c.maxClients)
	}
	if c.serialDev != "" && c.serialBaud <= 0 {
		return fmt.Errorf("serial-baud must be > 0 (got %d)", c.serialBaud)
	}
	if c.logMetricsEvery < 0 {
		return fmt.Errorf("log-metrics-interval must be >= 0")
	}
	return nil
}

// envBool interprets the usual truthy/falsy spellings; the second result
// reports whether the value was recognized at all.
func envBool(v string) (bool, bool) {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}

// applyEnvOverrides maps B2F_SERVER_* environment variables to config fields
// unless a corresponding flag was explicitly set. Boolean & numeric parsing is lax:
// empty values ignored. Seconds fields accept plain integers, matching the flags.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	// mapping: env var -> apply func
	// Only apply if NOT in set (flag wins).
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	if _, ok := set["host"]; !ok {
		if v, ok := get("B2F_SERVER_HOST"); ok && v != "" {
			c.host = v
		}
	}
	if _, ok := set["port"]; !ok {
		if v, ok := get("B2F_SERVER_PORT"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.port = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid B2F_SERVER_PORT: %w", err)
			}
		}
	}
	if _, ok := set["users"]; !ok {
		if v, ok := get("B2F_SERVER_USERS"); ok && v != "" {
			c.usersPath = v
		}
	}
	if _, ok := set["mailbox"]; !ok {
		if v, ok := get("B2F_SERVER_MAILBOX"); ok && v != "" {
			c.mailboxDir = v
		}
	}
	if _, ok := set["timeout"]; !ok {
		if v, ok := get("B2F_SERVER_TIMEOUT"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.interactiveTO = time.Duration(n) * time.Second
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid B2F_SERVER_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["recv-idle"]; !ok {
		if v, ok := get("B2F_SERVER_RECV_IDLE"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.receiveIdle = time.Duration(n) * time.Second
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid B2F_SERVER_RECV_IDLE: %w", err)
			}
		}
	}
	if _, ok := set["debug"]; !ok {
		if v, ok := get("B2F_SERVER_DEBUG"); ok && v != "" {
			if b, recognized := envBool(v); recognized {
				c.debug = b
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("B2F_SERVER_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("B2F_SERVER_METRICS_ADDR"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["max-clients"]; !ok {
		if v, ok := get("B2F_SERVER_MAX_CLIENTS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.maxClients = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid B2F_SERVER_MAX_CLIENTS: %w", err)
			}
		}
	}
	if _, ok := set["keep-raw"]; !ok {
		if v, ok := get("B2F_SERVER_KEEP_RAW"); ok && v != "" {
			if b, recognized := envBool(v); recognized {
				c.keepRaw = b
			}
		}
	}
	if _, ok := set["serial-dev"]; !ok {
		if v, ok := get("B2F_SERVER_SERIAL_DEV"); ok && v != "" {
			c.serialDev = v
		}
	}
	if _, ok := set["serial-baud"]; !ok {
		if v, ok := get("B2F_SERVER_SERIAL_BAUD"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.serialBaud = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid B2F_SERVER_SERIAL_BAUD: %w", err)
			}
		}
	}
	if _, ok := set["mdns"]; !ok {
		if v, ok := get("B2F_SERVER_MDNS"); ok && v != "" {
			if b, recognized := envBool(v); recognized {
				c.mdnsEnable = b
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("B2F_SERVER_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("B2F_SERVER_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid B2F_SERVER_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	return firstErr
}
