package selkie

import (
	"bytes"
	"text/template"
)

// Firmware and emulator locations per guest architecture. x86_64 boots
// the default SeaBIOS; aarch64 needs the AAVMF UEFI image.
const (
	emulatorX8664   = "/usr/bin/qemu-system-x86_64"
	emulatorAarch64 = "/usr/bin/qemu-system-aarch64"
	loaderAarch64   = "/usr/share/AAVMF/AAVMF_CODE.fd"
)

var domainTemplate = template.Must(template.New("domain").Parse(`<domain type='kvm'>
  <name>{{.Name}}</name>
  <uuid>{{.UUID}}</uuid>
  <memory unit='KiB'>{{.MemoryKiB}}</memory>
  <vcpu>{{.CPUCores}}</vcpu>
  <os>
    <type arch='{{.Arch}}' machine='{{.Machine}}'>hvm</type>
{{- if .Loader}}
    <loader readonly='yes' type='pflash'>{{.Loader}}</loader>
{{- end}}
    <boot dev='hd'/>
  </os>
  <features>
    <acpi/>
{{- if .APIC}}
    <apic/>
{{- end}}
  </features>
  <on_poweroff>destroy</on_poweroff>
  <on_reboot>restart</on_reboot>
  <on_crash>destroy</on_crash>
  <devices>
    <emulator>{{.Emulator}}</emulator>
    <disk type='file' device='disk'>
      <driver name='qemu' type='qcow2' cache='none' discard='unmap'/>
      <source file='{{.RootDisk}}'/>
      <target dev='vda' bus='virtio'/>
    </disk>
{{- if .SeedISO}}
    <disk type='file' device='cdrom'>
      <driver name='qemu' type='raw'/>
      <source file='{{.SeedISO}}'/>
      <target dev='sda' bus='sata'/>
      <readonly/>
    </disk>
{{- end}}
{{- range .Volumes}}
    <disk type='file' device='disk'>
      <driver name='qemu' type='qcow2' cache='none' discard='unmap'/>
      <source file='{{.Path}}'/>
      <target dev='{{.Dev}}' bus='virtio'/>
    </disk>
{{- end}}
{{- range .NICs}}
    <interface type='bridge'>
      <mac address='{{.MAC}}'/>
      <source bridge='{{.Bridge}}'/>
      <model type='virtio'/>
    </interface>
{{- end}}
    <serial type='unix'>
      <source mode='bind' path='{{.ConsoleSocket}}'/>
      <target port='0'/>
    </serial>
    <console type='unix'>
      <source mode='bind' path='{{.ConsoleSocket}}'/>
      <target type='serial' port='0'/>
    </console>
{{- if .VNCPort}}
    <graphics type='vnc' port='{{.VNCPort}}' autoport='no' listen='127.0.0.1'/>
{{- end}}
    <rng model='virtio'>
      <backend model='random'>/dev/urandom</backend>
    </rng>
  </devices>
</domain>
`))

type (
	domainVolume struct {
		Path string
		Dev  string
	}

	domainNIC struct {
		MAC    string
		Bridge string
	}

	domainParams struct {
		Name          string
		UUID          string
		Arch          string
		Machine       string
		Loader        string
		APIC          bool
		Emulator      string
		MemoryKiB     uint64
		CPUCores      uint32
		RootDisk      string
		SeedISO       string
		Volumes       []domainVolume
		NICs          []domainNIC
		ConsoleSocket string
		VNCPort       int
	}
)

// DomainXML renders the libvirt definition for a VM placed on a host. The
// volumes argument carries the resolved Disk rows for vm.Disks in slot
// order; the seed ISO is attached whenever the VM carries cloud-init.
func DomainXML(vm *VM, host *Host, volumes []*Disk) (string, error) {
	p := domainParams{
		Name:          vm.ID,
		UUID:          vm.ID,
		Arch:          vm.Arch,
		MemoryKiB:     vm.MemoryMB * 1024,
		CPUCores:      vm.CPUCores,
		RootDisk:      vm.RootDiskPath(host.VMRoot),
		ConsoleSocket: vm.ConsoleSocketPath(host.VMRoot),
		VNCPort:       vm.VNCPort,
	}
	switch vm.Arch {
	case ArchX8664:
		p.Machine = "q35"
		p.Emulator = emulatorX8664
		p.APIC = true
	case ArchAarch64:
		p.Machine = "virt"
		p.Emulator = emulatorAarch64
		p.Loader = loaderAarch64
	default:
		return "", NewError(ErrUnsupportedArch, "vm %s: arch %q", vm.Name, vm.Arch)
	}
	if vm.CloudInit != nil {
		p.SeedISO = vm.CloudInitISOPath(host.VMRoot)
	}
	for i, att := range vm.Disks {
		if i >= len(volumes) {
			break
		}
		p.Volumes = append(p.Volumes, domainVolume{
			Path: volumes[i].VolumePath(host.VMRoot),
			Dev:  att.Slot,
		})
	}
	for _, nic := range vm.NICs {
		p.NICs = append(p.NICs, domainNIC{MAC: nic.MAC, Bridge: nic.Bridge})
	}

	var buf bytes.Buffer
	if err := domainTemplate.Execute(&buf, p); err != nil {
		return "", NewError(ErrInternal, "render domain %s: %s", vm.ID, err)
	}
	return buf.String(), nil
}
