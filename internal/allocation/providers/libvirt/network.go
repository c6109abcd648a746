package libvirt

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"

	lv "libvirt.org/go/libvirt"
)

const DefaultNetworkName = "default"

var (
	describeNetworkXML = func(network *lv.Network) (string, error) {
		return network.GetXMLDesc(0)
	}
	fetchNetworkLeases = func(network *lv.Network) ([]lv.NetworkDHCPLease, error) {
		return network.GetDHCPLeases()
	}
	updateNetworkSection = func(network *lv.Network, cmd lv.NetworkUpdateCommand, section lv.NetworkUpdateSection, parentIndex int, xml string, flags lv.NetworkUpdateFlags) error {
		return network.Update(cmd, section, parentIndex, xml, flags)
	}
)

// NetworkLease maps a MAC address to an IPv4 address on a libvirt network.
type NetworkLease struct {
	MAC string
	IP  net.IP
}

type dhcpConfig struct {
	IPv4Ranges []ipRange
	Hosts      []NetworkLease
}

type ipRange struct {
	Start net.IP
	End   net.IP
}

type networkIPEntry struct {
	Address string `xml:"address,attr"`
	Family  string `xml:"family,attr"`
	DHCP    struct {
		Ranges []struct {
			Start string `xml:"start,attr"`
			End   string `xml:"end,attr"`
		} `xml:"range"`
		Hosts []struct {
			MAC string `xml:"mac,attr"`
			IP  string `xml:"ip,attr"`
		} `xml:"host"`
	} `xml:"dhcp"`
}

// networkAddresses returns the pinned DHCP hosts followed by the dynamic
// leases of network.
func networkAddresses(network *lv.Network) ([]NetworkLease, error) {
	xmlDesc, err := describeNetworkXML(network)
	if err != nil {
		return nil, fmt.Errorf("describe network: %w", err)
	}
	cfg, err := parseNetworkDHCPConfig(xmlDesc)
	if err != nil {
		return nil, err
	}
	addresses := slices.Clone(cfg.Hosts)

	raw, err := fetchNetworkLeases(network)
	if err != nil {
		return nil, fmt.Errorf("query DHCP leases: %w", err)
	}
	for _, lease := range raw {
		ip := parseIPv4(lease.IPaddr)
		if ip == nil {
			continue
		}
		addresses = append(addresses, NetworkLease{
			MAC: strings.ToLower(strings.TrimSpace(lease.Mac)),
			IP:  ip,
		})
	}
	return addresses, nil
}

// addressFor returns the first address bound to one of macs.
func addressFor(addresses []NetworkLease, macs []string) (net.IP, bool) {
	for _, mac := range macs {
		mac = strings.ToLower(strings.TrimSpace(mac))
		for _, addr := range addresses {
			if addr.MAC == mac && addr.IP != nil {
				return addr.IP, true
			}
		}
	}
	return nil, false
}

// pinAddress reserves a free address of the network's DHCP range for mac so
// the domain keeps its address across snapshot reverts.
func pinAddress(network *lv.Network, mac string) (NetworkLease, error) {
	if strings.TrimSpace(mac) == "" {
		return NetworkLease{}, errors.New("mac address is required")
	}

	xmlDesc, err := describeNetworkXML(network)
	if err != nil {
		return NetworkLease{}, fmt.Errorf("describe network: %w", err)
	}
	cfg, err := parseNetworkDHCPConfig(xmlDesc)
	if err != nil {
		return NetworkLease{}, err
	}
	if ip, ok := addressFor(cfg.Hosts, []string{mac}); ok {
		return NetworkLease{MAC: strings.ToLower(mac), IP: ip}, nil
	}
	if len(cfg.IPv4Ranges) == 0 {
		return NetworkLease{}, errors.New("network does not define an IPv4 DHCP range")
	}

	used := map[string]struct{}{}
	for _, host := range cfg.Hosts {
		used[host.IP.String()] = struct{}{}
	}
	leases, err := fetchNetworkLeases(network)
	if err != nil {
		return NetworkLease{}, fmt.Errorf("query DHCP leases: %w", err)
	}
	for _, lease := range leases {
		if ip := parseIPv4(lease.IPaddr); ip != nil {
			used[ip.String()] = struct{}{}
		}
	}

	ip, err := selectAvailableIP(cfg.IPv4Ranges, used)
	if err != nil {
		return NetworkLease{}, err
	}

	hostXML := fmt.Sprintf("<host mac='%s' ip='%s'/>", mac, ip.String())
	flags := lv.NETWORK_UPDATE_AFFECT_LIVE | lv.NETWORK_UPDATE_AFFECT_CONFIG
	if err := updateNetworkSection(network, lv.NETWORK_UPDATE_COMMAND_ADD_LAST, lv.NETWORK_SECTION_IP_DHCP_HOST, -1, hostXML, flags); err != nil {
		return NetworkLease{}, fmt.Errorf("pin DHCP host: %w", err)
	}
	return NetworkLease{MAC: strings.ToLower(mac), IP: ip}, nil
}

func unpinAddress(network *lv.Network, lease NetworkLease) error {
	flags := lv.NETWORK_UPDATE_AFFECT_LIVE | lv.NETWORK_UPDATE_AFFECT_CONFIG
	if lease.MAC == "" {
		return nil
	}
	hostXML := fmt.Sprintf("<host mac='%s'/>", lease.MAC)
	if lease.IP != nil {
		hostXML = fmt.Sprintf("<host mac='%s' ip='%s'/>", lease.MAC, lease.IP.String())
	}
	err := updateNetworkSection(network, lv.NETWORK_UPDATE_COMMAND_DELETE, lv.NETWORK_SECTION_IP_DHCP_HOST, -1, hostXML, flags)
	if err != nil && !isLibvirtError(err, lv.ERR_INVALID_ARG, lv.ERR_OPERATION_INVALID) {
		return fmt.Errorf("remove DHCP host: %w", err)
	}
	return nil
}

func isLibvirtError(err error, codes ...lv.ErrorNumber) bool {
	var lerr lv.Error
	if !errors.As(err, &lerr) {
		return false
	}
	return slices.Contains(codes, lerr.Code)
}

func selectAvailableIP(ranges []ipRange, used map[string]struct{}) (net.IP, error) {
	for _, r := range ranges {
		cur := append(net.IP(nil), r.Start...)
		for ; compareIPs(cur, r.End) <= 0; incrementIP(cur) {
			if _, taken := used[cur.String()]; taken {
				continue
			}
			return append(net.IP(nil), cur...), nil
		}
	}
	return nil, errors.New("no available IPv4 addresses in DHCP range")
}

func compareIPs(a, b net.IP) int {
	return bytes.Compare(a.To4(), b.To4())
}

func incrementIP(ip net.IP) {
	for j := len(ip) - 1; j >= 0; j-- {
		ip[j]++
		if ip[j] != 0 {
			break
		}
	}
}

func parseNetworkDHCPConfig(xmlDesc string) (dhcpConfig, error) {
	var doc struct {
		IPs []networkIPEntry `xml:"ip"`
	}
	if err := xml.Unmarshal([]byte(xmlDesc), &doc); err != nil {
		return dhcpConfig{}, fmt.Errorf("parse network xml: %w", err)
	}

	cfg := dhcpConfig{}
	for _, entry := range doc.IPs {
		if strings.EqualFold(strings.TrimSpace(entry.Family), "ipv6") || parseIPv4(entry.Address) == nil {
			continue
		}
		for _, rng := range entry.DHCP.Ranges {
			start, end := parseIPv4(rng.Start), parseIPv4(rng.End)
			if start == nil || end == nil {
				continue
			}
			if compareIPs(start, end) > 0 {
				start, end = end, start
			}
			cfg.IPv4Ranges = append(cfg.IPv4Ranges, ipRange{Start: start, End: end})
		}
		for _, h := range entry.DHCP.Hosts {
			if ip := parseIPv4(h.IP); ip != nil {
				cfg.Hosts = append(cfg.Hosts, NetworkLease{
					MAC: strings.ToLower(strings.TrimSpace(h.MAC)),
					IP:  ip,
				})
			}
		}
	}
	return cfg, nil
}

// parseDomainMACs lists the MAC addresses of the domain's network interfaces.
func parseDomainMACs(domainXML string) ([]string, error) {
	var doc struct {
		Interfaces []struct {
			MAC struct {
				Address string `xml:"address,attr"`
			} `xml:"mac"`
		} `xml:"devices>interface"`
	}
	if err := xml.Unmarshal([]byte(domainXML), &doc); err != nil {
		return nil, fmt.Errorf("parse domain xml: %w", err)
	}
	var macs []string
	for _, iface := range doc.Interfaces {
		if mac := strings.ToLower(strings.TrimSpace(iface.MAC.Address)); mac != "" {
			macs = append(macs, mac)
		}
	}
	return macs, nil
}

func parseIPv4(value string) net.IP {
	ip := net.ParseIP(strings.TrimSpace(value))
	if ip == nil {
		return nil
	}
	return ip.To4()
}
