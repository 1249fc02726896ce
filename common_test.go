package selkie_test

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/mistifyio/selkie"
	"github.com/mistifyio/selkie/pkg/kv"
	_ "github.com/mistifyio/selkie/pkg/kv/bolt"
	"github.com/pborman/uuid"
	"github.com/stretchr/testify/suite"
)

// CommonSuite sets up a throwaway bolt store and Context per test
type CommonSuite struct {
	suite.Suite
	KV      kv.KV
	Context *selkie.Context
}

func (s *CommonSuite) SetupTest() {
	store, err := kv.New("file://" + filepath.Join(s.T().TempDir(), "store.db"))
	s.Require().NoError(err)
	s.KV = store
	s.Context = selkie.NewContext(store)
}

func (s *CommonSuite) TearDownTest() {
	if s.KV != nil {
		s.Require().NoError(s.KV.Close())
	}
}

// Messager generates a test message prefixing function
func (s *CommonSuite) Messager(prefix string) func(...interface{}) string {
	return func(args ...interface{}) string {
		return prefix + " : " + fmt.Sprint(args...)
	}
}

func (s *CommonSuite) newHost(arch string) *selkie.Host {
	host := s.Context.NewHost()
	host.Address = "10.100.0.1:22"
	host.Arch = arch
	host.SSHUser = "root"
	host.Uplink = "eth0"
	host.TotalResources = selkie.Resources{
		CPU:    32,
		Memory: 65536,
		Disk:   1 << 40,
	}
	s.Require().NoError(host.Save())
	s.Require().NoError(host.Heartbeat(time.Minute))
	return host
}

func (s *CommonSuite) newImage(arch string) *selkie.Image {
	img := s.Context.NewImage()
	img.Name = "img-" + uuid.New()
	img.Arch = arch
	img.Source = "http://images.example.com/" + img.Name + ".qcow2"
	s.Require().NoError(img.Save())
	return img
}

func (s *CommonSuite) newVPC(cidr string) *selkie.VPC {
	vpc := s.Context.NewVPC()
	vpc.Name = "vpc-" + uuid.New()
	vpc.CIDR = cidr
	s.Require().NoError(vpc.Save())
	_, err := vpc.NewSubnet(vpc.Name, cidr)
	s.Require().NoError(err)
	return vpc
}

func (s *CommonSuite) newVM(vpc *selkie.VPC, img *selkie.Image) *selkie.VM {
	vm := s.Context.NewVM()
	vm.Name = "vm-" + uuid.New()
	vm.VPCName = vpc.Name
	vm.ImageID = img.ID
	vm.Arch = img.Arch
	vm.CPUCores = 1
	vm.MemoryMB = 512
	vm.DiskSizeGB = 10
	s.Require().NoError(vm.Create())
	return vm
}

func (s *CommonSuite) newDisk(sizeGB uint64) *selkie.Disk {
	disk := s.Context.NewDisk()
	disk.Name = "disk-" + uuid.New()
	disk.SizeGB = sizeGB
	s.Require().NoError(disk.Save())
	return disk
}

func (s *CommonSuite) newFloatingIP(address string) *selkie.FloatingIP {
	fip, err := s.Context.NewFloatingIP(address)
	s.Require().NoError(err)
	s.Require().NoError(fip.Save())
	return fip
}
