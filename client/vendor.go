package client

import (
	"fmt"
	"strings"
)

// Bluetooth SIG company identifiers of vendors with AT extensions.
const (
	VendorApple       = 0x004C
	VendorPlantronics = 0x0055
)

// vendorCommands lists, per vendor, the AT command prefixes that may be sent
// to the gateway and are recognised in its unsolicited results.
var vendorCommands = map[int][]string{
	VendorApple:       {"+XAPL=", "+IPHONEACCEV="},
	VendorPlantronics: {"+XEVENT="},
}

// checkVendorCommand validates cmd, with or without a leading "AT", against
// the prefix table and returns it without the "AT".
func checkVendorCommand(vendorID int, cmd string) (string, error) {
	prefixes, ok := vendorCommands[vendorID]
	if !ok {
		return "", fmt.Errorf("client: unknown vendor id %#04x", vendorID)
	}
	cmd = strings.TrimSpace(cmd)
	if len(cmd) >= 2 && strings.EqualFold(cmd[:2], "AT") {
		cmd = cmd[2:]
	}
	for _, p := range prefixes {
		if strings.HasPrefix(cmd, p) {
			return cmd, nil
		}
	}
	return "", fmt.Errorf("client: %q is not a vendor command of %#04x", cmd, vendorID)
}

// vendorOf returns the vendor owning an unsolicited result.
func vendorOf(result string) (int, bool) {
	result = strings.TrimSpace(result)
	for id, prefixes := range vendorCommands {
		for _, p := range prefixes {
			if strings.HasPrefix(result, p) || strings.HasPrefix(result, strings.TrimSuffix(p, "=")+":") {
				return id, true
			}
		}
	}
	return 0, false
}

const (
	audioPolicyCommand = "+ANDROID"
	audioPolicyTest    = audioPolicyCommand + "=?"
)

// PolicyValue is one setting of an AudioPolicy.
type PolicyValue int

const (
	PolicyUnconfigured PolicyValue = iota
	PolicyAllowed
	PolicyNotAllowed
)

// AudioPolicy tells the gateway when it may route call audio to the
// hands-free device.
type AudioPolicy struct {
	CallEstablish  PolicyValue
	ConnectingTime PolicyValue
	InBandRing     PolicyValue
}

func (p AudioPolicy) configured() bool {
	return p != AudioPolicy{}
}

func (p AudioPolicy) command() string {
	return fmt.Sprintf("%s=SINKAUDIOPOLICY,%d,%d,%d", audioPolicyCommand, p.CallEstablish, p.ConnectingTime, p.InBandRing)
}
