package models

import (
	"fmt"
	"strings"
)

// Vendor identifies a controller family recognised on the bus. Generic and
// Unknown are sentinels: Generic means frames were observed but nothing
// matched well enough, Unknown means nothing was observed at all.
type Vendor int

const (
	VendorUnknown Vendor = iota
	VendorGeneric
	VendorOBD2
	VendorHaltech
	VendorMaxxECU
	VendorLink
	VendorEcumaster
	VendorMegasquirt
	VendorMotec
	VendorAEM
)

var vendorNames = [...]string{
	VendorUnknown:    "unknown",
	VendorGeneric:    "generic",
	VendorOBD2:       "obd2",
	VendorHaltech:    "haltech",
	VendorMaxxECU:    "maxxecu",
	VendorLink:       "link",
	VendorEcumaster:  "ecumaster",
	VendorMegasquirt: "megasquirt",
	VendorMotec:      "motec",
	VendorAEM:        "aem",
}

func (v Vendor) String() string {
	if v < 0 || int(v) >= len(vendorNames) {
		return fmt.Sprintf("vendor(%d)", int(v))
	}
	return vendorNames[v]
}

// IsSentinel reports whether v is Generic or Unknown
func (v Vendor) IsSentinel() bool {
	return v == VendorUnknown || v == VendorGeneric
}

// ParseVendor maps a vendor name back to its Vendor value
func ParseVendor(name string) (Vendor, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range vendorNames {
		if n == name {
			return Vendor(i), nil
		}
	}
	return VendorUnknown, fmt.Errorf("unknown vendor %q", name)
}

func (v Vendor) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *Vendor) UnmarshalText(text []byte) error {
	parsed, err := ParseVendor(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
