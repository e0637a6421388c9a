package workerpool

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/digitalocean/go-libvirt"
)

// LibvirtProvider provisions KVM domains via libvirt, adapted from the
// kvm package: a cloud-init ISO seeds the guest (hostname, SSH
// key, package list) and a domain is defined and started against it. The
// kvm/cloudinit.go built the ISO with os/exec (genisoimage); the
// libvirt connection itself is adapted from kvm/connection.go's dial
// pattern, generalized to the coordinator's own Spec/WorkerID types instead
// of VM-request shape.
type LibvirtProvider struct {
	conn       *libvirt.Libvirt
	imageDir   string
	sshPubKey  string
}

// LibvirtConfig controls connection and image placement.
type LibvirtConfig struct {
	URI       string // e.g. "qemu:///system"
	ImageDir  string // base disk images and generated cloud-init ISOs live here
	SSHPubKey string
}

func NewLibvirtProvider(cfg LibvirtConfig) (*LibvirtProvider, error) {
	c, err := net.Dial("unix", socketPathFromURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("workerpool: dialing libvirt at %s: %w", cfg.URI, err)
	}
	l := libvirt.New(c)
	if err := l.Connect(); err != nil {
		return nil, fmt.Errorf("workerpool: connecting to libvirt: %w", err)
	}
	return &LibvirtProvider{conn: l, imageDir: cfg.ImageDir, sshPubKey: cfg.SSHPubKey}, nil
}

func socketPathFromURI(uri string) string {
	if uri == "" {
		return "/var/run/libvirt/libvirt-sock"
	}
	return uri
}

func (p *LibvirtProvider) Name() string { return "libvirt" }

func (p *LibvirtProvider) Provision(ctx context.Context, spec Spec) (WorkerID, error) {
	name := fmt.Sprintf("forge-worker-%d", time.Now().UnixNano())

	isoPath := filepath.Join(p.imageDir, name+"-cloudinit.iso")
	if err := writeCloudInitISO(cloudInitConfig{
		VMName:       name,
		SSHPublicKey: p.sshPubKey,
		Packages:     []string{"build-essential"},
	}, isoPath); err != nil {
		return "", fmt.Errorf("workerpool: building cloud-init iso: %w", err)
	}

	xml := domainXML(name, spec, isoPath, filepath.Join(p.imageDir, name+".qcow2"))
	dom, err := p.conn.DomainDefineXML(xml)
	if err != nil {
		return "", fmt.Errorf("workerpool: defining domain %s: %w", name, err)
	}
	if err := p.conn.DomainCreate(dom); err != nil {
		return "", fmt.Errorf("workerpool: starting domain %s: %w", name, err)
	}

	return WorkerID(name), nil
}

func (p *LibvirtProvider) Decommission(ctx context.Context, id WorkerID) error {
	dom, err := p.conn.DomainLookupByName(string(id))
	if err != nil {
		return fmt.Errorf("workerpool: looking up domain %s: %w", id, err)
	}
	if err := p.conn.DomainDestroy(dom); err != nil {
		return fmt.Errorf("workerpool: destroying domain %s: %w", id, err)
	}
	return p.conn.DomainUndefine(dom)
}

// cloudInitConfig mirrors kvm.CloudInitConfig shape.
type cloudInitConfig struct {
	VMName       string
	SSHPublicKey string
	Packages     []string
}

// writeCloudInitISO builds cloud-init user-data/meta-data and packs them
// into an ISO with genisoimage, the same external-tool approach the
// kvm.CreateCloudInitISO uses.
func writeCloudInitISO(cfg cloudInitConfig, outputPath string) error {
	tmpDir, err := os.MkdirTemp("", "forge-cloudinit-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	packagesYAML := ""
	if len(cfg.Packages) > 0 {
		packagesYAML = "packages:\n"
		for _, pkg := range cfg.Packages {
			packagesYAML += "  - " + pkg + "\n"
		}
	}

	userData := fmt.Sprintf("#cloud-config\nhostname: %s\nssh_authorized_keys:\n  - %s\n%s",
		cfg.VMName, cfg.SSHPublicKey, packagesYAML)
	metaData := fmt.Sprintf("instance-id: %s\nlocal-hostname: %s\n", cfg.VMName, cfg.VMName)

	if err := os.WriteFile(filepath.Join(tmpDir, "user-data"), []byte(userData), 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "meta-data"), []byte(metaData), 0o644); err != nil {
		return err
	}

	return runGenIsoImage(tmpDir, outputPath)
}

func domainXML(name string, spec Spec, isoPath, diskPath string) string {
	return fmt.Sprintf(`<domain type='kvm'>
  <name>%s</name>
  <memory unit='MiB'>%d</memory>
  <vcpu>%d</vcpu>
  <os><type arch='x86_64'>hvm</type></os>
  <devices>
    <disk type='file' device='disk'>
      <source file='%s'/>
      <target dev='vda' bus='virtio'/>
    </disk>
    <disk type='file' device='cdrom'>
      <source file='%s'/>
      <target dev='sda' bus='sata'/>
    </disk>
    <interface type='network'>
      <source network='default'/>
    </interface>
  </devices>
</domain>`, name, spec.MemoryMB, spec.CPUCores, diskPath, isoPath)
}
