// Package config loads the forwarder's runtime configuration: a YAML file
// read first, then overridden by command-line flags, matching the
// layering the teacher project uses for its own Options struct (yaml
// struct tags doubling as go-flags struct tags, config file read before
// the flag parser runs so flags win).
package config

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
	goFlags "github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v3"
)

// BlacklistAction selects what happens to a blacklisted query.
type BlacklistAction string

const (
	ActionRefusal  BlacklistAction = "refusal"
	ActionRedirect BlacklistAction = "redirect"
)

// Options mirrors the on-disk YAML schema and doubles as the go-flags
// target so command-line flags can override file-provided values.
type Options struct {
	ConfigPath string `long:"config-path" description:"YAML configuration file path" default:""`

	ListenAddr   string `yaml:"listen_addr" long:"listen-addr" description:"UDP address to listen for client queries on" default:"127.0.0.1:53"`
	FallbackPort int    `yaml:"fallback_port" long:"fallback-port" description:"Port to fall back to if binding listen_addr's port fails due to privileges" default:"5353"`

	Upstreams []string `yaml:"upstreams" long:"upstream" description:"Upstream resolver address (ip:port); may be specified multiple times"`

	BlacklistPath      string `yaml:"blacklist_path" long:"blacklist-path" description:"Path to the newline-delimited blacklist file"`
	BlacklistAction    string `yaml:"blacklist_action" long:"blacklist-action" description:"refusal or redirect" default:"refusal"`
	BlacklistedRcode   uint16 `yaml:"blacklisted_rcode" long:"blacklisted-rcode" description:"RCODE used for refusal responses" default:"3"`
	RedirectTarget     string `yaml:"redirect_target" long:"redirect-target" description:"Domain to redirect blacklisted queries to in redirect mode"`
	TransactionTimeout string `yaml:"transaction_timeout" long:"transaction-timeout" description:"How long to wait for an upstream reply before synthesizing SERVFAIL" default:"4s"`

	Verbose   bool   `yaml:"verbose" short:"v" long:"verbose" description:"Enable debug logging" optional:"yes" optional-value:"true"`
	LogOutput string `yaml:"log_output" short:"o" long:"log-output" description:"Path to the log file; stderr if empty"`

	AdminListenAddr string `yaml:"admin_listen_addr" long:"admin-listen-addr" description:"Address for the read-only admin HTTP API (disabled if empty)"`

	RatelimitQPS   int `yaml:"ratelimit_qps" long:"ratelimit-qps" description:"Per-client-IP queries per second; 0 disables rate limiting"`
	RatelimitBurst int `yaml:"ratelimit_burst" long:"ratelimit-burst" description:"Per-client-IP burst allowance"`
}

// Config is the validated, parsed configuration the rest of the program
// consumes; unlike Options it has already parsed addresses and the
// blacklist action. TransactionTimeout is still the raw duration string.
type Config struct {
	ListenAddr   *net.UDPAddr
	FallbackPort int

	Upstreams []*net.UDPAddr

	BlacklistPath      string
	BlacklistAction    BlacklistAction
	BlacklistedRcode   uint16
	RedirectTarget     string
	TransactionTimeout string

	Verbose   bool
	LogOutput string

	AdminListenAddr string

	RatelimitQPS   int
	RatelimitBurst int
}

// Load reads the optional YAML file named by --config-path within args
// (if present), then parses args through go-flags so flags take final
// precedence, and validates the result.
func Load(args []string) (*Config, error) {
	opts := &Options{}

	for i, arg := range args {
		var path string
		switch {
		case strings.HasPrefix(arg, "--config-path="):
			path = strings.TrimPrefix(arg, "--config-path=")
		case arg == "--config-path" && i+1 < len(args):
			path = args[i+1]
		default:
			continue
		}
		if err := loadYAML(path, opts); err != nil {
			return nil, errors.Annotate(err, "loading config file: %w")
		}
	}

	parser := goFlags.NewParser(opts, goFlags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, errors.Annotate(err, "parsing flags: %w")
	}

	return validate(opts)
}

func loadYAML(path string, opts *Options) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, opts)
}

// parseNumericUDPAddr parses "ip:port" with the numeric-host-only
// resolution §6 requires: unlike net.ResolveUDPAddr, netip.ParseAddrPort
// never performs a DNS lookup, so a hostname in config fails fast here
// instead of triggering a name lookup at startup.
func parseNumericUDPAddr(s string) (*net.UDPAddr, error) {
	addrPort, err := netip.ParseAddrPort(s)
	if err != nil {
		return nil, err
	}
	return net.UDPAddrFromAddrPort(addrPort), nil
}

func validate(o *Options) (*Config, error) {
	listenAddr, err := parseNumericUDPAddr(o.ListenAddr)
	if err != nil {
		return nil, errors.Annotate(err, "parsing listen_addr: %w")
	}

	if len(o.Upstreams) == 0 {
		return nil, errors.Error("config: at least one upstream is required")
	}

	upstreams := make([]*net.UDPAddr, 0, len(o.Upstreams))
	for _, u := range o.Upstreams {
		addr, err := parseNumericUDPAddr(u)
		if err != nil {
			return nil, errors.Annotate(err, fmt.Sprintf("parsing upstream %q: %%w", u))
		}
		upstreams = append(upstreams, addr)
	}

	action := BlacklistAction(strings.ToLower(o.BlacklistAction))
	switch action {
	case ActionRefusal, ActionRedirect:
	default:
		return nil, errors.Error(fmt.Sprintf("config: invalid blacklist_action %q", o.BlacklistAction))
	}

	if action == ActionRedirect && o.RedirectTarget == "" {
		return nil, errors.Error("config: redirect_target is required when blacklist_action is redirect")
	}

	return &Config{
		ListenAddr:         listenAddr,
		FallbackPort:       o.FallbackPort,
		Upstreams:          upstreams,
		BlacklistPath:      o.BlacklistPath,
		BlacklistAction:    action,
		BlacklistedRcode:   o.BlacklistedRcode,
		RedirectTarget:     o.RedirectTarget,
		TransactionTimeout: o.TransactionTimeout,
		Verbose:            o.Verbose,
		LogOutput:          o.LogOutput,
		AdminListenAddr:    o.AdminListenAddr,
		RatelimitQPS:       o.RatelimitQPS,
		RatelimitBurst:     o.RatelimitBurst,
	}, nil
}
