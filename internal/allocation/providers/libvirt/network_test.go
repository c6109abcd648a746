package libvirt

import (
	"net"
	"strings"
	"testing"

	lv "libvirt.org/go/libvirt"
)

const testNetworkXML = `
<network>
  <ip family='ipv4' address='10.0.0.1' netmask='255.255.255.0'>
    <dhcp>
      <range start='10.0.0.2' end='10.0.0.4'/>
      <host mac='52:54:00:00:00:AA' ip='10.0.0.2'/>
    </dhcp>
  </ip>
  <ip family='ipv6' address='fd00::1'>
    <dhcp>
      <range start='fd00::2' end='fd00::10'/>
    </dhcp>
  </ip>
</network>`

func TestSelectAvailableIPSkipsUsed(t *testing.T) {
	ranges := []ipRange{{Start: net.ParseIP("10.0.0.2").To4(), End: net.ParseIP("10.0.0.5").To4()}}
	used := map[string]struct{}{"10.0.0.2": {}, "10.0.0.3": {}}

	ip, err := selectAvailableIP(ranges, used)
	if err != nil {
		t.Fatalf("selectAvailableIP unexpected error: %v", err)
	}
	if ip.String() != "10.0.0.4" {
		t.Fatalf("expected 10.0.0.4, got %s", ip)
	}
}

func TestSelectAvailableIPExhausted(t *testing.T) {
	ranges := []ipRange{{Start: net.ParseIP("10.0.0.2").To4(), End: net.ParseIP("10.0.0.3").To4()}}
	used := map[string]struct{}{"10.0.0.2": {}, "10.0.0.3": {}}
	if _, err := selectAvailableIP(ranges, used); err == nil {
		t.Fatal("expected error when DHCP range is exhausted")
	}
}

func TestParseNetworkDHCPConfigIgnoresIPv6(t *testing.T) {
	cfg, err := parseNetworkDHCPConfig(testNetworkXML)
	if err != nil {
		t.Fatalf("parseNetworkDHCPConfig unexpected error: %v", err)
	}
	if len(cfg.IPv4Ranges) != 1 {
		t.Fatalf("expected 1 IPv4 range, got %d", len(cfg.IPv4Ranges))
	}
	if len(cfg.Hosts) != 1 || cfg.Hosts[0].MAC != "52:54:00:00:00:aa" {
		t.Fatalf("expected one lower-cased host entry, got %+v", cfg.Hosts)
	}
}

func TestParseDomainMACs(t *testing.T) {
	domainXML := `
<domain type='kvm'>
  <name>pg16</name>
  <devices>
    <disk type='file'/>
    <interface type='network'>
      <mac address='52:54:00:AB:CD:EF'/>
      <source network='default'/>
    </interface>
    <interface type='network'>
      <source network='isolated'/>
    </interface>
  </devices>
</domain>`
	macs, err := parseDomainMACs(domainXML)
	if err != nil {
		t.Fatalf("parseDomainMACs unexpected error: %v", err)
	}
	if len(macs) != 1 || macs[0] != "52:54:00:ab:cd:ef" {
		t.Fatalf("unexpected macs %v", macs)
	}
}

func TestNetworkAddressesIncludesPinnedAndDynamic(t *testing.T) {
	stubNetworkOps(t, testNetworkXML, []lv.NetworkDHCPLease{
		{Mac: "52:54:00:00:00:BB", IPaddr: "10.0.0.3"},
		{Mac: "52:54:00:00:00:cc", IPaddr: "fd00::3"},
	})

	addresses, err := networkAddresses(&lv.Network{})
	if err != nil {
		t.Fatalf("networkAddresses unexpected error: %v", err)
	}
	if len(addresses) != 2 {
		t.Fatalf("expected 2 addresses, got %+v", addresses)
	}
	ip, ok := addressFor(addresses, []string{"52:54:00:00:00:bb"})
	if !ok || ip.String() != "10.0.0.3" {
		t.Fatalf("expected dynamic lease 10.0.0.3, got %v", ip)
	}
	if _, ok := addressFor(addresses, []string{"52:54:00:00:00:cc"}); ok {
		t.Fatal("IPv6 lease should not resolve")
	}
}

func TestPinAddressAddsHost(t *testing.T) {
	updates := stubNetworkOps(t, testNetworkXML, []lv.NetworkDHCPLease{{IPaddr: "10.0.0.3"}})

	lease, err := pinAddress(&lv.Network{}, "52:54:00:00:00:bb")
	if err != nil {
		t.Fatalf("pinAddress unexpected error: %v", err)
	}
	if lease.IP.String() != "10.0.0.4" {
		t.Fatalf("expected lease 10.0.0.4, got %s", lease.IP)
	}
	if len(*updates) != 1 {
		t.Fatalf("expected one network update, got %d", len(*updates))
	}
	upd := (*updates)[0]
	if upd.cmd != lv.NETWORK_UPDATE_COMMAND_ADD_LAST || !strings.Contains(upd.xml, "10.0.0.4") {
		t.Fatalf("unexpected update %+v", upd)
	}
}

func TestPinAddressReusesExistingHost(t *testing.T) {
	updates := stubNetworkOps(t, testNetworkXML, nil)

	lease, err := pinAddress(&lv.Network{}, "52:54:00:00:00:aa")
	if err != nil {
		t.Fatalf("pinAddress unexpected error: %v", err)
	}
	if lease.IP.String() != "10.0.0.2" {
		t.Fatalf("expected existing pin 10.0.0.2, got %s", lease.IP)
	}
	if len(*updates) != 0 {
		t.Fatalf("expected no network updates, got %d", len(*updates))
	}
}

func TestUnpinAddressDeletesHost(t *testing.T) {
	updates := stubNetworkOps(t, "", nil)

	err := unpinAddress(&lv.Network{}, NetworkLease{MAC: "52:54:00:00:00:bb", IP: net.ParseIP("10.0.0.4")})
	if err != nil {
		t.Fatalf("unpinAddress unexpected error: %v", err)
	}
	if len(*updates) != 1 || (*updates)[0].cmd != lv.NETWORK_UPDATE_COMMAND_DELETE {
		t.Fatalf("expected a delete update, got %+v", *updates)
	}
}

func TestIsLibvirtError(t *testing.T) {
	err := lv.Error{Code: lv.ERR_OPERATION_INVALID}
	if !isLibvirtError(err, lv.ERR_INVALID_ARG, lv.ERR_OPERATION_INVALID) {
		t.Fatal("expected code to match")
	}
	if isLibvirtError(err, lv.ERR_NO_DOMAIN) {
		t.Fatal("unexpected match")
	}
}

type networkUpdate struct {
	cmd     lv.NetworkUpdateCommand
	section lv.NetworkUpdateSection
	xml     string
}

func stubNetworkOps(t *testing.T, xml string, leases []lv.NetworkDHCPLease) *[]networkUpdate {
	t.Helper()
	var updates []networkUpdate

	prevDescribe := describeNetworkXML
	prevLeases := fetchNetworkLeases
	prevUpdate := updateNetworkSection

	describeNetworkXML = func(*lv.Network) (string, error) {
		if xml == "" {
			return "<network/>", nil
		}
		return xml, nil
	}
	fetchNetworkLeases = func(*lv.Network) ([]lv.NetworkDHCPLease, error) {
		return append([]lv.NetworkDHCPLease(nil), leases...), nil
	}
	updateNetworkSection = func(_ *lv.Network, cmd lv.NetworkUpdateCommand, section lv.NetworkUpdateSection, _ int, xml string, _ lv.NetworkUpdateFlags) error {
		updates = append(updates, networkUpdate{cmd: cmd, section: section, xml: xml})
		return nil
	}

	t.Cleanup(func() {
		describeNetworkXML = prevDescribe
		fetchNetworkLeases = prevLeases
		updateNetworkSection = prevUpdate
	})
	return &updates
}
