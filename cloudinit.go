package selkie

import (
	"bytes"
	"fmt"
	"net"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// DefaultPackages are installed on every VM unless the request names
	// its own package list
	DefaultPackages = []string{
		"net-tools",
		"iproute2",
		"iptables",
		"netcat",
		"curl",
		"wget",
		"vim",
	}

	// DefaultNameservers are handed to VMs without a custom resolver setup
	DefaultNameservers = []string{"8.8.8.8", "8.8.4.4"}

	// DefaultNTPServers seed the guest clock
	DefaultNTPServers = []string{"pool.ntp.org"}
)

type (
	// CloudInitUser is one guest account from a provisioning request
	CloudInitUser struct {
		Name              string   `json:"name" yaml:"name"`
		Sudo              string   `json:"sudo,omitempty" yaml:"sudo,omitempty"`
		Shell             string   `json:"shell,omitempty" yaml:"shell,omitempty"`
		SSHAuthorizedKeys []string `json:"ssh_authorized_keys,omitempty" yaml:"ssh_authorized_keys,omitempty"`
	}

	// CloudInitFile is one write_files entry
	CloudInitFile struct {
		Path        string `json:"path" yaml:"path"`
		Content     string `json:"content" yaml:"content"`
		Permissions string `json:"permissions,omitempty" yaml:"permissions,omitempty"`
		Owner       string `json:"owner,omitempty" yaml:"owner,omitempty"`
	}

	// CloudInitAptSource is one apt repository entry
	CloudInitAptSource struct {
		Source string `json:"source" yaml:"source"`
		KeyID  string `json:"keyid,omitempty" yaml:"keyid,omitempty"`
	}

	// CloudInitApt carries apt repository configuration
	CloudInitApt struct {
		Sources map[string]CloudInitAptSource `json:"sources,omitempty" yaml:"sources,omitempty"`
	}

	// CloudInitDoc is the recognized subset of a cloud-config document.
	// The API decodes requests with unknown fields rejected, so a typo'd
	// or unsupported option fails the create instead of being silently
	// dropped inside the guest.
	CloudInitDoc struct {
		Hostname   string          `json:"hostname,omitempty" yaml:"hostname,omitempty"`
		Users      []CloudInitUser `json:"users,omitempty" yaml:"users,omitempty"`
		Packages   []string        `json:"packages,omitempty" yaml:"packages,omitempty"`
		RunCmd     []string        `json:"runcmd,omitempty" yaml:"runcmd,omitempty"`
		WriteFiles []CloudInitFile `json:"write_files,omitempty" yaml:"write_files,omitempty"`
		Timezone   string          `json:"timezone,omitempty" yaml:"timezone,omitempty"`
		Apt        *CloudInitApt   `json:"apt,omitempty" yaml:"apt,omitempty"`
	}
)

// Validate ensures a CloudInitDoc has reasonable data
func (d *CloudInitDoc) Validate() error {
	for i, u := range d.Users {
		if u.Name == "" {
			return NewError(ErrValidation, "cloud_init: users[%d]: name is required", i)
		}
	}
	for i, f := range d.WriteFiles {
		if f.Path == "" {
			return NewError(ErrValidation, "cloud_init: write_files[%d]: path is required", i)
		}
		if !strings.HasPrefix(f.Path, "/") {
			return NewError(ErrValidation, "cloud_init: write_files[%d]: path %q must be absolute", i, f.Path)
		}
		if f.Permissions != "" && !validFileMode(f.Permissions) {
			return NewError(ErrValidation, "cloud_init: write_files[%d]: permissions %q", i, f.Permissions)
		}
	}
	if d.Apt != nil {
		for name, src := range d.Apt.Sources {
			if src.Source == "" {
				return NewError(ErrValidation, "cloud_init: apt source %q: source is required", name)
			}
		}
	}
	return nil
}

func validFileMode(s string) bool {
	if len(s) < 3 || len(s) > 4 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '7' {
			return false
		}
	}
	return true
}

// userData is the rendered #cloud-config shape. Field order here is the
// order in the emitted YAML.
type userData struct {
	Hostname       string          `yaml:"hostname"`
	ManageEtcHosts bool            `yaml:"manage_etc_hosts"`
	Users          []CloudInitUser `yaml:"users,omitempty"`
	PackageUpdate  bool            `yaml:"package_update"`
	Packages       []string        `yaml:"packages,omitempty"`
	Timezone       string          `yaml:"timezone"`
	NTP            ntpConfig       `yaml:"ntp"`
	Apt            *CloudInitApt   `yaml:"apt,omitempty"`
	WriteFiles     []CloudInitFile `yaml:"write_files,omitempty"`
	RunCmd         []string        `yaml:"runcmd,omitempty"`
}

type ntpConfig struct {
	Enabled bool     `yaml:"enabled"`
	Servers []string `yaml:"servers"`
}

type metaData struct {
	InstanceID    string `yaml:"instance-id"`
	LocalHostname string `yaml:"local-hostname"`
}

// RenderCloudInitSeed produces the user-data and meta-data documents for
// a VM's NoCloud seed ISO. The first NIC provides the guest's static
// network setup; when the VM has a NIC, a netplan file and a "netplan
// apply" runcmd are injected ahead of whatever the request supplied.
func RenderCloudInitSeed(vm *VM, vpc *VPC) (user []byte, meta []byte, err error) {
	doc := vm.CloudInit
	if doc == nil {
		doc = &CloudInitDoc{}
	}

	hostname := doc.Hostname
	if hostname == "" {
		hostname = vm.Name
	}
	packages := doc.Packages
	if len(packages) == 0 {
		packages = DefaultPackages
	}
	timezone := doc.Timezone
	if timezone == "" {
		timezone = "UTC"
	}

	ud := userData{
		Hostname:       hostname,
		ManageEtcHosts: true,
		Users:          doc.Users,
		PackageUpdate:  true,
		Packages:       packages,
		Timezone:       timezone,
		NTP:            ntpConfig{Enabled: true, Servers: DefaultNTPServers},
		Apt:            doc.Apt,
	}

	if len(vm.NICs) > 0 {
		netplan, nerr := renderNetplan(vm.NICs[0], vpc)
		if nerr != nil {
			return nil, nil, nerr
		}
		ud.WriteFiles = append(ud.WriteFiles, CloudInitFile{
			Path:        "/etc/netplan/50-cloud-init.yaml",
			Content:     netplan,
			Permissions: "0600",
		})
		ud.RunCmd = append(ud.RunCmd, "netplan apply")
	}
	ud.WriteFiles = append(ud.WriteFiles, doc.WriteFiles...)
	ud.RunCmd = append(ud.RunCmd, doc.RunCmd...)

	var buf bytes.Buffer
	buf.WriteString("#cloud-config\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&ud); err != nil {
		return nil, nil, NewError(ErrInternal, "render user-data: %s", err)
	}
	if err := enc.Close(); err != nil {
		return nil, nil, NewError(ErrInternal, "render user-data: %s", err)
	}

	md, err := yaml.Marshal(&metaData{
		InstanceID:    vm.ID,
		LocalHostname: hostname,
	})
	if err != nil {
		return nil, nil, NewError(ErrInternal, "render meta-data: %s", err)
	}
	return buf.Bytes(), md, nil
}

// renderNetplan builds the static v2 netplan document for the guest's
// primary interface
func renderNetplan(nic NIC, vpc *VPC) (string, error) {
	ipnet, err := vpc.Network()
	if err != nil {
		return "", err
	}
	ones, _ := ipnet.Mask.Size()
	gateway := vpc.Gateway
	if gateway == nil {
		gateway = defaultGateway(ipnet)
	}

	type nameserversBlock struct {
		Addresses []string `yaml:"addresses"`
	}
	type routeBlock struct {
		To  string `yaml:"to"`
		Via string `yaml:"via"`
	}
	type ethBlock struct {
		Addresses   []string         `yaml:"addresses"`
		Nameservers nameserversBlock `yaml:"nameservers"`
		Routes      []routeBlock     `yaml:"routes"`
	}
	type netplanDoc struct {
		Network struct {
			Version   int                 `yaml:"version"`
			Ethernets map[string]ethBlock `yaml:"ethernets"`
		} `yaml:"network"`
	}

	var doc netplanDoc
	doc.Network.Version = 2
	doc.Network.Ethernets = map[string]ethBlock{
		"eth0": {
			Addresses:   []string{fmt.Sprintf("%s/%d", nic.PrivateIP, ones)},
			Nameservers: nameserversBlock{Addresses: DefaultNameservers},
			Routes:      []routeBlock{{To: "0.0.0.0/0", Via: gateway.String()}},
		},
	}
	out, err := yaml.Marshal(&doc)
	if err != nil {
		return "", NewError(ErrInternal, "render netplan: %s", err)
	}
	return string(out), nil
}

// defaultGateway is the first usable address of the network, matching the
// subnet reservation of network+1
func defaultGateway(ipnet *net.IPNet) net.IP {
	return ordinalIP(ipOrdinal(ipnet.IP.To4()) + 1)
}
