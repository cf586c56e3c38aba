package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-fedchat-server/internal/chat"
)

type appConfig struct {
	listenAddr      string
	peerListenAddr  string
	peerDial        []string
	serverID        string
	mailboxSize     int
	logFormat       string
	logLevel        string
	metricsAddr     string
	peerBuffer      int
	peerPolicy      string
	logMetricsEvery time.Duration
	maxClients      int
	handshakeTO     time.Duration
	clientReadTO    time.Duration
	spamIPDeny      string
	spamUserDeny    string
	mdnsEnable      bool
	mdnsName        string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	listen := flag.String("listen", ":21000", "Client TCP listen address")
	peerListen := flag.String("peer-listen", "", "Peer TCP listen address (empty disables inbound federation)")
	peerDial := flag.String("peers", "", "Comma-separated peer addresses to dial")
	serverID := flag.String("server-id", "", "Fixed server UUID (default: random per start)")
	mailboxSize := flag.Int("mailbox-size", 128, "Per-client mailbox capacity (messages)")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	peerBuf := flag.Int("peer-buffer", 512, "Per-peer outbox buffer (messages)")
	peerPolicy := flag.String("peer-policy", "drop", "Backpressure policy: drop|kick")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	maxClients := flag.Int("max-clients", 0, "Maximum simultaneous TCP clients (0 = unlimited)")
	handshakeTO := flag.Duration("handshake-timeout", 3*time.Second, "Client/peer handshake timeout")
	clientReadTO := flag.Duration("client-read-timeout", 60*time.Second, "Per-connection read deadline")
	spamIPDeny := flag.String("spam-ip-deny", "", "Comma-separated IPs denied at registration")
	spamUserDeny := flag.String("spam-user-deny", "", "Comma-separated display names denied at registration")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default chat-server-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.listenAddr = *listen
	cfg.peerListenAddr = *peerListen
	cfg.peerDial = splitList(*peerDial)
	cfg.serverID = *serverID
	cfg.mailboxSize = *mailboxSize
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.peerBuffer = *peerBuf
	cfg.peerPolicy = *peerPolicy
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.maxClients = *maxClients
	cfg.handshakeTO = *handshakeTO
	cfg.clientReadTO = *clientReadTO
	cfg.spamIPDeny = *spamIPDeny
	cfg.spamUserDeny = *spamUserDeny
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

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

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open listeners – only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.peerPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid peer-policy: %s", c.peerPolicy)
	}
	if c.serverID != "" {
		if _, err := chat.ParseServerId(c.serverID); err != nil {
			return fmt.Errorf("invalid server-id: %w", err)
		}
	}
	if c.mailboxSize <= 0 {
		return fmt.Errorf("mailbox-size must be > 0 (got %d)", c.mailboxSize)
	}
	if c.peerBuffer <= 0 {
		return fmt.Errorf("peer-buffer must be > 0 (got %d)", c.peerBuffer)
	}
	if c.handshakeTO <= 0 {
		return fmt.Errorf("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	// No extra validation needed for mDNS besides enable flag.
	return nil
}

// applyEnvOverrides maps CHAT_SERVER_* environment variables to config fields
// unless a corresponding flag was explicitly set. Boolean & numeric parsing is lax:
// empty values ignored. Duration accepts Go time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	if _, ok := set["listen"]; !ok {
		if v, ok := get("CHAT_SERVER_LISTEN"); ok && v != "" {
			c.listenAddr = v
		}
	}
	if _, ok := set["peer-listen"]; !ok {
		if v, ok := get("CHAT_SERVER_PEER_LISTEN"); ok {
			c.peerListenAddr = v
		}
	}
	if _, ok := set["peers"]; !ok {
		if v, ok := get("CHAT_SERVER_PEERS"); ok && v != "" {
			c.peerDial = splitList(v)
		}
	}
	if _, ok := set["server-id"]; !ok {
		if v, ok := get("CHAT_SERVER_ID"); ok && v != "" {
			c.serverID = v
		}
	}
	if _, ok := set["mailbox-size"]; !ok {
		if v, ok := get("CHAT_SERVER_MAILBOX_SIZE"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.mailboxSize = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CHAT_SERVER_MAILBOX_SIZE: %w", err)
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("CHAT_SERVER_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("CHAT_SERVER_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("CHAT_SERVER_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["peer-buffer"]; !ok {
		if v, ok := get("CHAT_SERVER_PEER_BUFFER"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.peerBuffer = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CHAT_SERVER_PEER_BUFFER: %w", err)
			}
		}
	}
	if _, ok := set["peer-policy"]; !ok {
		if v, ok := get("CHAT_SERVER_PEER_POLICY"); ok && v != "" {
			c.peerPolicy = v
		}
	}
	if _, ok := set["max-clients"]; !ok {
		if v, ok := get("CHAT_SERVER_MAX_CLIENTS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				c.maxClients = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CHAT_SERVER_MAX_CLIENTS: %w", err)
			}
		}
	}
	if _, ok := set["handshake-timeout"]; !ok {
		if v, ok := get("CHAT_SERVER_HANDSHAKE_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.handshakeTO = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CHAT_SERVER_HANDSHAKE_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["client-read-timeout"]; !ok {
		if v, ok := get("CHAT_SERVER_CLIENT_READ_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.clientReadTO = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CHAT_SERVER_CLIENT_READ_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["spam-ip-deny"]; !ok {
		if v, ok := get("CHAT_SERVER_SPAM_IP_DENY"); ok {
			c.spamIPDeny = v
		}
	}
	if _, ok := set["spam-user-deny"]; !ok {
		if v, ok := get("CHAT_SERVER_SPAM_USER_DENY"); ok {
			c.spamUserDeny = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("CHAT_SERVER_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CHAT_SERVER_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("CHAT_SERVER_MDNS_ENABLE"); ok && v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				c.mdnsEnable = b
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid CHAT_SERVER_MDNS_ENABLE: %w", err)
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("CHAT_SERVER_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	return firstErr
}
