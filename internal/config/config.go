// Package config loads orchestrator options from defaults, an optional YAML
// file and CRUCIBLE_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Options holds all orchestrator configuration.
type Options struct {
	// RunningTimeout bounds the wait for a started VM to report running.
	RunningTimeout time.Duration `mapstructure:"running-timeout"`
	// ShutdownTimeout bounds the wait for a clean shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout"`
	// PollInterval is the sleep between power state polls.
	PollInterval time.Duration `mapstructure:"poll-interval"`

	// DisableAgent skips all guest agent interaction.
	DisableAgent bool `mapstructure:"disable-agent"`
	// AgentTimeout bounds each guest agent command.
	AgentTimeout time.Duration `mapstructure:"agent-timeout"`
	// AgentMinVersion is the oldest guest agent accepted without running
	// AgentUpdateCommand in the guest.
	AgentMinVersion    string   `mapstructure:"agent-min-version"`
	AgentUpdateCommand []string `mapstructure:"agent-update-command"`
	// DefaultRootDevice is used when the block device mapping names none.
	DefaultRootDevice string `mapstructure:"default-root-device"`

	// Libvirt connection
	LibvirtSocket  string        `mapstructure:"libvirt-socket"`
	LibvirtTimeout time.Duration `mapstructure:"libvirt-timeout"`

	// Storage
	VMsPool     string `mapstructure:"vms-pool"`
	VMsPath     string `mapstructure:"vms-path"`
	ImagesPool  string `mapstructure:"images-pool"`
	ImagesPath  string `mapstructure:"images-path"`
	KernelDir   string `mapstructure:"kernel-dir"`
	SRPath      string `mapstructure:"sr-path"`
	StagingPool string `mapstructure:"staging-pool"`

	// Consoles
	ConsoleLogDir string `mapstructure:"console-log-dir"`
	// VNCListen is where VNC servers of VMs listen; empty disables VNC.
	VNCListen string `mapstructure:"vnc-listen"`
	// VNCProxyClientAddress is the address a console proxy reaches VNC
	// servers on.
	VNCProxyClientAddress string `mapstructure:"vnc-proxy-client-address"`

	// RebootTimeout is how long a reboot may take before it counts as hung.
	RebootTimeout time.Duration `mapstructure:"reboot-timeout"`

	// FirewallDriver is "nwfilter" or "noop".
	FirewallDriver string `mapstructure:"firewall-driver"`

	// InstanceDB is the sqlite file of the instance store.
	InstanceDB string `mapstructure:"instance-db"`

	// Snapshot upload
	ImageBucket string `mapstructure:"image-bucket"`
	ImageRegion string `mapstructure:"image-region"`
	ImagePrefix string `mapstructure:"image-prefix"`

	// Host is the name of this hypervisor host.
	Host string `mapstructure:"host"`
	// Aggregate maps host names of the live-migration pool to host UUIDs.
	Aggregate map[string]string `mapstructure:"aggregate"`
	// MigrationURITemplate formats a destination host into a libvirt URI.
	MigrationURITemplate string `mapstructure:"migration-uri-template"`
	// RelaxedSRCheck allows live migration of VMs with iSCSI volumes
	// without a shared storage check.
	RelaxedSRCheck bool `mapstructure:"relaxed-sr-check"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running-timeout", 60*time.Second)
	v.SetDefault("shutdown-timeout", 60*time.Second)
	v.SetDefault("poll-interval", 500*time.Millisecond)
	v.SetDefault("disable-agent", false)
	v.SetDefault("agent-timeout", 30*time.Second)
	v.SetDefault("default-root-device", "/dev/sda")
	v.SetDefault("libvirt-socket", "/var/run/libvirt/libvirt-sock")
	v.SetDefault("libvirt-timeout", 5*time.Second)
	v.SetDefault("vms-pool", "crucible-vms")
	v.SetDefault("vms-path", "/var/lib/libvirt/images/crucible/vms")
	v.SetDefault("images-pool", "crucible-images")
	v.SetDefault("images-path", "/var/lib/libvirt/images/crucible/images")
	v.SetDefault("kernel-dir", "/var/lib/crucible/kernels")
	v.SetDefault("sr-path", "/var/lib/libvirt/images/crucible/staging")
	v.SetDefault("staging-pool", "crucible-staging")
	v.SetDefault("console-log-dir", "/var/log/crucible/console")
	v.SetDefault("vnc-listen", "127.0.0.1")
	v.SetDefault("vnc-proxy-client-address", "127.0.0.1")
	v.SetDefault("reboot-timeout", 10*time.Minute)
	v.SetDefault("firewall-driver", "nwfilter")
	v.SetDefault("instance-db", "/var/lib/crucible/instances.db")
	v.SetDefault("image-bucket", "crucible-images")
	v.SetDefault("image-region", "us-east-1")
	v.SetDefault("image-prefix", "images/")
	v.SetDefault("migration-uri-template", "qemu+tcp://%s/system")
	v.SetDefault("relaxed-sr-check", false)
	if host, err := os.Hostname(); err == nil {
		v.SetDefault("host", host)
	}
}

// Defaults returns Options populated with default values only.
func Defaults() *Options {
	v := viper.New()
	setDefaults(v)
	var opts Options
	// Defaults always decode.
	_ = v.Unmarshal(&opts)
	return &opts
}

// Load reads configuration from defaults, the YAML file at path (skipped
// when path is empty) and the environment (CRUCIBLE_RUNNING_TIMEOUT, ...).
func Load(path string) (*Options, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CRUCIBLE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var opts Options
	if err := v.Unmarshal(&opts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &opts, nil
}

// Validate checks the options for consistency.
func (o *Options) Validate() error {
	if o.RunningTimeout <= 0 {
		return fmt.Errorf("running-timeout must be positive")
	}
	if o.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown-timeout must be positive")
	}
	if o.PollInterval <= 0 {
		return fmt.Errorf("poll-interval must be positive")
	}
	if o.RebootTimeout <= 0 {
		return fmt.Errorf("reboot-timeout must be positive")
	}
	if o.AgentTimeout <= 0 {
		return fmt.Errorf("agent-timeout must be positive")
	}
	if o.AgentMinVersion != "" && len(o.AgentUpdateCommand) == 0 {
		return fmt.Errorf("agent-min-version requires agent-update-command")
	}
	if o.PollInterval > o.RunningTimeout {
		return fmt.Errorf("poll-interval must not exceed running-timeout")
	}
	if o.VMsPool == "" || o.ImagesPool == "" {
		return fmt.Errorf("vms-pool and images-pool are required")
	}
	if !strings.HasPrefix(o.DefaultRootDevice, "/dev/") {
		return fmt.Errorf("default-root-device must be a /dev path, got %q", o.DefaultRootDevice)
	}
	switch o.FirewallDriver {
	case "nwfilter", "noop":
	default:
		return fmt.Errorf("unsupported firewall-driver %q (supported: nwfilter, noop)", o.FirewallDriver)
	}
	if !strings.Contains(o.MigrationURITemplate, "%s") {
		return fmt.Errorf("migration-uri-template must contain %%s")
	}
	return nil
}

// HostUUID returns the UUID of a host in the migration aggregate.
func (o *Options) HostUUID(host string) (string, bool) {
	id, ok := o.Aggregate[strings.ToLower(host)]
	return id, ok
}

// MigrationURI formats the libvirt URI for a destination host.
func (o *Options) MigrationURI(host string) string {
	return fmt.Sprintf(o.MigrationURITemplate, host)
}
