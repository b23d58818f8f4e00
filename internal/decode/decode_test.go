package decode

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"can-autoconfig/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTable = `
vendor: haltech
messages:
  - id: 0x360
    name: engine_core
    signals:
      - {name: rpm, start_bit: 0, length: 16, byte_order: big_endian, unit: rpm}
      - {name: map, start_bit: 16, length: 16, byte_order: big_endian, scale: 0.1, unit: kPa}
      - {name: tail, start_bit: 48, length: 16, byte_order: big_endian}
  - id: 0x361
    signals:
      - {name: temp, start_bit: 0, length: 8, signed: true, offset: -10}
      - {name: le_word, start_bit: 8, length: 12}
`

func frame(id uint32, data ...byte) models.CANFrame {
	return models.CANFrame{ID: id, DLC: uint8(len(data)), Data: data}
}

func mustParse(t *testing.T, src string) *Table {
	t.Helper()
	table, err := Parse([]byte(src))
	require.NoError(t, err)
	return table
}

func TestParseValidTable(t *testing.T) {
	table := mustParse(t, testTable)

	assert.Equal(t, models.VendorHaltech, table.Vendor)
	assert.Equal(t, []uint32{0x360, 0x361}, table.IDs())

	msg, ok := table.Message(0x360)
	require.True(t, ok)
	require.Len(t, msg.Signals, 3)
	assert.Equal(t, "rpm", msg.Signals[0].Name)
	assert.Equal(t, 1.0, msg.Signals[0].Scale)
	assert.Equal(t, BigEndian, msg.Signals[0].ByteOrder)

	msg, _ = table.Message(0x361)
	assert.Equal(t, LittleEndian, msg.Signals[0].ByteOrder)
}

func TestParseRejectsMalformedTables(t *testing.T) {
	cases := map[string]string{
		"empty":            ``,
		"no vendor":        "messages: [{id: 1, signals: [{name: a, start_bit: 0, length: 8}]}]",
		"unknown vendor":   "vendor: acme\nmessages: [{id: 1, signals: [{name: a, start_bit: 0, length: 8}]}]",
		"sentinel vendor":  "vendor: generic\nmessages: [{id: 1, signals: [{name: a, start_bit: 0, length: 8}]}]",
		"no messages":      "vendor: link",
		"unknown field":    "vendor: link\nmessages: [{id: 1, signals: [{name: a, start_bit: 0, length: 8, bogus: 1}]}]",
		"missing id":       "vendor: link\nmessages: [{signals: [{name: a, start_bit: 0, length: 8}]}]",
		"id too large":     "vendor: link\nmessages: [{id: 0x20000000, signals: [{name: a, start_bit: 0, length: 8}]}]",
		"negative id":      "vendor: link\nmessages: [{id: -1, signals: [{name: a, start_bit: 0, length: 8}]}]",
		"duplicate id":     "vendor: link\nmessages: [{id: 1, signals: [{name: a, start_bit: 0, length: 8}]}, {id: 1, signals: [{name: b, start_bit: 0, length: 8}]}]",
		"no signals":       "vendor: link\nmessages: [{id: 1}]",
		"unnamed signal":   "vendor: link\nmessages: [{id: 1, signals: [{start_bit: 0, length: 8}]}]",
		"duplicate signal": "vendor: link\nmessages: [{id: 1, signals: [{name: a, start_bit: 0, length: 8}, {name: a, start_bit: 8, length: 8}]}]",
		"missing start":    "vendor: link\nmessages: [{id: 1, signals: [{name: a, length: 8}]}]",
		"zero length":      "vendor: link\nmessages: [{id: 1, signals: [{name: a, start_bit: 0, length: 0}]}]",
		"wide signal":      "vendor: link\nmessages: [{id: 1, signals: [{name: a, start_bit: 0, length: 65}]}]",
		"past payload":     "vendor: link\nmessages: [{id: 1, signals: [{name: a, start_bit: 500, length: 16}]}]",
		"zero scale":       "vendor: link\nmessages: [{id: 1, signals: [{name: a, start_bit: 0, length: 8, scale: 0}]}]",
		"bad byte order":   "vendor: link\nmessages: [{id: 1, signals: [{name: a, start_bit: 0, length: 8, byte_order: middle}]}]",
		"not yaml":         "vendor: [",
	}

	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(src))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedTable), err.Error())
		})
	}
}

func TestDecodeBigEndianAndScale(t *testing.T) {
	table := mustParse(t, testTable)

	// rpm 0x0BB8 = 3000, map 0x03E8 * 0.1 = 100.0
	signals, ok := table.Decode(frame(0x360, 0x0B, 0xB8, 0x03, 0xE8, 0, 0, 0x00, 0x2A))
	require.True(t, ok)
	assert.Equal(t, 3000.0, signals["rpm"].Value)
	assert.Equal(t, "rpm", signals["rpm"].Unit)
	assert.InDelta(t, 100.0, signals["map"].Value, 1e-9)
	assert.Equal(t, 42.0, signals["tail"].Value)
}

func TestDecodeLittleEndianSigned(t *testing.T) {
	table := mustParse(t, testTable)

	// temp = int8(0xF6) = -10, -10 + -10 = -20; le_word = bits 8..19
	signals, ok := table.Decode(frame(0x361, 0xF6, 0x34, 0x12))
	require.True(t, ok)
	assert.Equal(t, -20.0, signals["temp"].Value)
	assert.Equal(t, int64(-10), signals["temp"].Raw)
	assert.Equal(t, float64(0x234), signals["le_word"].Value)
}

func TestDecodeShortPayloadSkipsSignals(t *testing.T) {
	table := mustParse(t, testTable)

	// only rpm fits in two bytes
	signals, ok := table.Decode(frame(0x360, 0x00, 0x64))
	require.True(t, ok)
	assert.Len(t, signals, 1)
	assert.Equal(t, 100.0, signals["rpm"].Value)

	// nothing fits in one byte
	_, ok = table.Decode(frame(0x360, 0xFF))
	assert.False(t, ok)
}

func TestDecodeNeverReadsPastDeclaredLength(t *testing.T) {
	table := mustParse(t, testTable)

	// eight bytes present but DLC says two: only rpm is decodable
	f := models.CANFrame{ID: 0x360, DLC: 2, Data: []byte{0, 1, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}}
	signals, ok := table.Decode(f)
	require.True(t, ok)
	assert.Equal(t, Signals{"rpm": {Value: 1, Raw: 1, Unit: "rpm"}}, signals)

	// DLC claims more bytes than were received
	f = models.CANFrame{ID: 0x360, DLC: 8, Data: []byte{0, 1}}
	signals, ok = table.Decode(f)
	require.True(t, ok)
	assert.Len(t, signals, 1)
}

func TestDecodeUnknownIDAndSpecialFrames(t *testing.T) {
	table := mustParse(t, testTable)

	_, ok := table.Decode(frame(0x7FF, 1, 2, 3, 4, 5, 6, 7, 8))
	assert.False(t, ok)

	rtr := frame(0x360, 1, 2, 3, 4, 5, 6, 7, 8)
	rtr.RTR = true
	_, ok = table.Decode(rtr)
	assert.False(t, ok)

	var nilTable *Table
	_, ok = nilTable.Decode(frame(0x360, 1, 2))
	assert.False(t, ok)
}

func TestDecodeConcurrentReaders(t *testing.T) {
	table := mustParse(t, testTable)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n byte) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				signals, ok := table.Decode(frame(0x360, 0, n))
				assert.True(t, ok)
				assert.Equal(t, float64(n), signals["rpm"].Value)
			}
		}(byte(i))
	}
	wg.Wait()
}

func TestExtractSigned64(t *testing.T) {
	sig := Signal{Name: "x", StartBit: 0, Length: 64, Signed: true, Scale: 1, ByteOrder: LittleEndian}
	v, ok := sig.Extract([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	require.True(t, ok)
	assert.Equal(t, -1.0, v.Value)

	sig.Signed = false
	v, ok = sig.Extract([]byte{0, 0, 0, 0, 0, 0, 0, 0x80})
	require.True(t, ok)
	assert.Equal(t, float64(1<<63), v.Value)
}

func TestEmbeddedTablesAllParse(t *testing.T) {
	entries, err := embeddedTables.ReadDir("tables")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	for _, e := range entries {
		data, err := EmbeddedLoader{}.Load(e.Name())
		require.NoError(t, err, e.Name())
		_, err = Parse(data)
		assert.NoError(t, err, e.Name())
	}
}

func TestRegistryLoad(t *testing.T) {
	reg := NewRegistry(nil)

	table, err := reg.Load(models.VendorHaltech, "haltech.yaml")
	require.NoError(t, err)
	assert.Equal(t, models.VendorHaltech, table.Vendor)

	again, err := reg.Load(models.VendorHaltech, "haltech.yaml")
	require.NoError(t, err)
	assert.Same(t, table, again)
}

func TestRegistryLoadFailures(t *testing.T) {
	reg := NewRegistry(nil)

	_, err := reg.Load(models.VendorOBD2, "")
	assert.ErrorIs(t, err, ErrTableNotFound)

	_, err = reg.Load(models.VendorGeneric, "haltech.yaml")
	assert.ErrorIs(t, err, ErrTableNotFound)

	_, err = reg.Load(models.VendorLink, "missing.yaml")
	assert.ErrorIs(t, err, ErrTableNotFound)

	// resource exists but describes another vendor
	_, err = reg.Load(models.VendorLink, "haltech.yaml")
	assert.ErrorIs(t, err, ErrMalformedTable)
}

func TestDirLoaderOverridesEmbedded(t *testing.T) {
	dir := t.TempDir()
	override := "vendor: link\nmessages: [{id: 0x3E8, signals: [{name: only, start_bit: 0, length: 8}]}]"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "link.yaml"), []byte(override), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "motec.yaml"), []byte("vendor: motec\nmessages: nope"), 0o644))

	reg := NewRegistry(ChainLoader{DirLoader{Dir: dir}, EmbeddedLoader{}})

	table, err := reg.Load(models.VendorLink, "link.yaml")
	require.NoError(t, err)
	msg, ok := table.Message(0x3E8)
	require.True(t, ok)
	assert.Equal(t, "only", msg.Signals[0].Name)

	// falls through to the embedded copy
	_, err = reg.Load(models.VendorHaltech, "haltech.yaml")
	assert.NoError(t, err)

	// a malformed override is not papered over by the embedded table
	_, err = reg.Load(models.VendorMotec, "motec.yaml")
	assert.ErrorIs(t, err, ErrMalformedTable)

	_, err = DirLoader{Dir: dir}.Load("../etc/passwd")
	assert.Error(t, err)
}
