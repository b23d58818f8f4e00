package classifier

import "can-autoconfig/internal/models"

// BytePattern is a raw payload hint: frames on ID whose byte at Index,
// masked with Mask, equals Value
type BytePattern struct {
	ID    uint32
	Index int
	Mask  byte
	Value byte
}

// Matches reports whether f satisfies the pattern. Bytes beyond the
// frame's payload never match.
func (p BytePattern) Matches(f models.CANFrame) bool {
	payload := f.Payload()
	if f.ID != p.ID || p.Index < 0 || p.Index >= len(payload) {
		return false
	}
	return payload[p.Index]&p.Mask == p.Value
}

// Signature is the static fingerprint of one controller family
type Signature struct {
	Vendor      models.Vendor
	IDs         []uint32
	Patterns    []BytePattern
	DecodeTable string
	Description string
}

// Contains reports whether id belongs to the signature's id set
func (s Signature) Contains(id uint32) bool {
	for _, sid := range s.IDs {
		if sid == id {
			return true
		}
	}
	return false
}

// Catalogue is the ordered set of known signatures. Diagnostic is checked
// before any vendor signature; order of Signatures breaks scoring ties.
type Catalogue struct {
	Diagnostic Signature
	Signatures []Signature
}

// Lookup returns the signature for vendor
func (c Catalogue) Lookup(vendor models.Vendor) (Signature, bool) {
	if c.Diagnostic.Vendor == vendor && len(c.Diagnostic.IDs) > 0 {
		return c.Diagnostic, true
	}
	for _, s := range c.Signatures {
		if s.Vendor == vendor {
			return s, true
		}
	}
	return Signature{}, false
}

func idRange(first, last uint32) []uint32 {
	ids := make([]uint32, 0, last-first+1)
	for id := first; id <= last; id++ {
		ids = append(ids, id)
	}
	return ids
}

// OBD2Signature covers the functional request id and the physical
// request/response ids of the on-board diagnostics protocol
var OBD2Signature = Signature{
	Vendor: models.VendorOBD2,
	IDs:    append([]uint32{0x7DF}, idRange(0x7E0, 0x7EF)...),
	Patterns: []BytePattern{
		// mode 01..0F positive responses carry service id + 0x40
		{ID: 0x7E8, Index: 1, Mask: 0xF0, Value: 0x40},
	},
	Description: "OBD-II diagnostic traffic (ISO 15765-4)",
}

// DefaultCatalogue is the compiled-in signature table
var DefaultCatalogue = Catalogue{
	Diagnostic: OBD2Signature,
	Signatures: []Signature{
		{
			Vendor:      models.VendorHaltech,
			IDs:         append(append(idRange(0x360, 0x363), idRange(0x368, 0x373)...), idRange(0x3E0, 0x3E2)...),
			DecodeTable: "haltech.yaml",
			Description: "Haltech Elite / Nexus broadcast protocol v2",
		},
		{
			Vendor:      models.VendorMaxxECU,
			IDs:         idRange(0x520, 0x52A),
			DecodeTable: "maxxecu.yaml",
			Description: "MaxxECU default CAN output",
		},
		{
			Vendor:      models.VendorLink,
			IDs:         idRange(0x3E8, 0x3EE),
			DecodeTable: "link.yaml",
			Description: "Link G4+/G4X generic dash stream",
		},
		{
			Vendor:      models.VendorEcumaster,
			IDs:         idRange(0x600, 0x607),
			DecodeTable: "ecumaster.yaml",
			Description: "Ecumaster EMU Black CAN stream",
		},
		{
			Vendor:      models.VendorMegasquirt,
			IDs:         idRange(0x5E8, 0x5F0),
			DecodeTable: "megasquirt.yaml",
			Description: "MegaSquirt MS3 simplified dash broadcast",
		},
		{
			Vendor:      models.VendorMotec,
			IDs:         idRange(0x640, 0x647),
			DecodeTable: "motec.yaml",
			Description: "MoTeC M1 dash transmit set",
		},
		{
			Vendor:      models.VendorAEM,
			IDs:         idRange(0x01F0A000, 0x01F0A006),
			DecodeTable: "aem.yaml",
			Description: "AEM Infinity 29-bit dash stream",
		},
	},
}
