package libvirt

import (
	"fmt"

	lv "libvirt.org/go/libvirt"
)

const DefaultURI = "qemu:///system"

// hypervisor is the set of libvirt operations a domain lease needs.
type hypervisor interface {
	RevertSnapshot(domain, snapshot string) error
	Start(domain string) error
	Stop(domain string) error
	MACAddresses(domain string) ([]string, error)
	Addresses(network string) ([]NetworkLease, error)
	Pin(network, mac string) (NetworkLease, error)
	Unpin(network string, lease NetworkLease) error
	Close() error
}

var connect = func(uri string) (hypervisor, error) {
	conn, err := lv.NewConnect(uri)
	if err != nil {
		return nil, fmt.Errorf("connect to libvirt %s: %w", uri, err)
	}
	return &libvirtHypervisor{conn: conn}, nil
}

type libvirtHypervisor struct {
	conn *lv.Connect
}

func (h *libvirtHypervisor) withDomain(name string, fn func(*lv.Domain) error) error {
	dom, err := h.conn.LookupDomainByName(name)
	if err != nil {
		return fmt.Errorf("lookup domain %s: %w", name, err)
	}
	defer dom.Free()
	return fn(dom)
}

func (h *libvirtHypervisor) withNetwork(name string, fn func(*lv.Network) error) error {
	network, err := h.conn.LookupNetworkByName(name)
	if err != nil {
		return fmt.Errorf("lookup network %s: %w", name, err)
	}
	defer network.Free()
	return fn(network)
}

func (h *libvirtHypervisor) RevertSnapshot(domain, snapshot string) error {
	return h.withDomain(domain, func(dom *lv.Domain) error {
		snap, err := dom.SnapshotLookupByName(snapshot, 0)
		if err != nil {
			return fmt.Errorf("lookup snapshot %s: %w", snapshot, err)
		}
		defer snap.Free()
		if err := snap.RevertToSnapshot(lv.DOMAIN_SNAPSHOT_REVERT_FORCE); err != nil {
			return fmt.Errorf("revert %s to %s: %w", domain, snapshot, err)
		}
		return nil
	})
}

func (h *libvirtHypervisor) Start(domain string) error {
	return h.withDomain(domain, func(dom *lv.Domain) error {
		active, err := dom.IsActive()
		if err != nil {
			return fmt.Errorf("query domain state: %w", err)
		}
		if active {
			return nil
		}
		if err := dom.Create(); err != nil {
			return fmt.Errorf("start domain %s: %w", domain, err)
		}
		return nil
	})
}

func (h *libvirtHypervisor) Stop(domain string) error {
	return h.withDomain(domain, func(dom *lv.Domain) error {
		err := dom.Destroy()
		if err != nil && !isLibvirtError(err, lv.ERR_OPERATION_INVALID) {
			return fmt.Errorf("destroy domain %s: %w", domain, err)
		}
		return nil
	})
}

func (h *libvirtHypervisor) MACAddresses(domain string) ([]string, error) {
	var macs []string
	err := h.withDomain(domain, func(dom *lv.Domain) error {
		desc, err := dom.GetXMLDesc(0)
		if err != nil {
			return fmt.Errorf("describe domain %s: %w", domain, err)
		}
		macs, err = parseDomainMACs(desc)
		return err
	})
	return macs, err
}

func (h *libvirtHypervisor) Addresses(network string) ([]NetworkLease, error) {
	var out []NetworkLease
	err := h.withNetwork(network, func(n *lv.Network) error {
		var err error
		out, err = networkAddresses(n)
		return err
	})
	return out, err
}

func (h *libvirtHypervisor) Pin(network, mac string) (NetworkLease, error) {
	var lease NetworkLease
	err := h.withNetwork(network, func(n *lv.Network) error {
		var err error
		lease, err = pinAddress(n, mac)
		return err
	})
	return lease, err
}

func (h *libvirtHypervisor) Unpin(network string, lease NetworkLease) error {
	return h.withNetwork(network, func(n *lv.Network) error {
		return unpinAddress(n, lease)
	})
}

func (h *libvirtHypervisor) Close() error {
	if h.conn == nil {
		return nil
	}
	_, err := h.conn.Close()
	h.conn = nil
	if err != nil {
		return fmt.Errorf("close libvirt connection: %w", err)
	}
	return nil
}
