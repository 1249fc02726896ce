package selkie

import (
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/mistifyio/selkie/pkg/hostport"
	yaml "gopkg.in/yaml.v3"
)

type (
	// Config is the startup environment snapshot. It is read once in main
	// and never mutated afterwards.
	Config struct {
		StorePath           string
		HostsConfig         string
		APIListen           string
		PublicIPPool        string
		DefaultVPCCIDR      string
		ReconcileWorkers    int
		HostVerbConcurrency int
		SSHIdentity         string
	}

	// HostConfig is one entry of the HOSTS_CONFIG YAML document
	HostConfig struct {
		ID       string `yaml:"id"`
		Address  string `yaml:"address"`
		Arch     string `yaml:"arch"`
		SSHUser  string `yaml:"ssh_user"`
		SSHPort  int    `yaml:"ssh_port"`
		VCPUs    uint32 `yaml:"vcpus"`
		MemoryMB uint64 `yaml:"memory_mb"`
		DiskGB   uint64 `yaml:"disk_gb"`
		VMRoot   string `yaml:"vm_root"`
		Uplink   string `yaml:"uplink"`
	}
)

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// ConfigFromEnv snapshots the recognized environment variables
func ConfigFromEnv() *Config {
	return &Config{
		StorePath:           envString("STORE_PATH", "/var/lib/selkie/store.db"),
		HostsConfig:         envString("HOSTS_CONFIG", "/etc/selkie/hosts.yaml"),
		APIListen:           envString("API_LISTEN", ":18200"),
		PublicIPPool:        os.Getenv("PUBLIC_IP_POOL"),
		DefaultVPCCIDR:      envString("DEFAULT_VPC_CIDR", "10.0.0.0/24"),
		ReconcileWorkers:    envInt("RECONCILE_WORKERS", 4),
		HostVerbConcurrency: envInt("HOST_VERB_CONCURRENCY", 4),
		SSHIdentity:         envString("SSH_IDENTITY", "/etc/selkie/id_ed25519"),
	}
}

// LoadHostsConfig parses the HOSTS_CONFIG YAML document. Addresses are
// validated up front so a malformed entry fails at startup instead of on
// first use.
func LoadHostsConfig(path string) ([]HostConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var hosts []HostConfig
	if err := yaml.Unmarshal(data, &hosts); err != nil {
		return nil, err
	}
	for i := range hosts {
		host, port, err := hostport.Split(hosts[i].Address)
		if err != nil {
			return nil, NewError(ErrValidation, "host %s: bad address %q: %s", hosts[i].ID, hosts[i].Address, err)
		}
		if host == "" || strings.ContainsAny(host, " \t\r\n") {
			return nil, NewError(ErrValidation, "host %s: bad address %q: malformed host", hosts[i].ID, hosts[i].Address)
		}
		if port != "" {
			if _, perr := strconv.ParseUint(port, 10, 16); perr != nil {
				return nil, NewError(ErrValidation, "host %s: bad address %q: malformed port", hosts[i].ID, hosts[i].Address)
			}
		}
		if hosts[i].SSHPort == 0 {
			hosts[i].SSHPort = 22
		}
		if hosts[i].VMRoot == "" {
			hosts[i].VMRoot = "/var/lib/selkie"
		}
	}
	return hosts, nil
}

// SplitPool expands the PUBLIC_IP_POOL value into individual addresses.
// Entries are comma separated and may be single addresses or CIDRs;
// CIDR network and broadcast addresses are skipped.
func SplitPool(pool string) []string {
	var addrs []string
	for _, entry := range strings.Split(pool, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			if ip := net.ParseIP(entry); ip != nil {
				addrs = append(addrs, ip.String())
			}
			continue
		}
		_, ipnet, err := net.ParseCIDR(entry)
		if err != nil {
			continue
		}
		ones, bits := ipnet.Mask.Size()
		size := uint32(1) << uint(bits-ones)
		base := ipOrdinal(ipnet.IP)
		for i := uint32(1); i < size-1; i++ {
			addrs = append(addrs, ordinalIP(base+i).String())
		}
	}
	return addrs
}
