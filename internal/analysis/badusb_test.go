package analysis

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterfaceClasses(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	dev := "/sys/devices/pci0000:00/0000:00:14.0/usb1/1-2"
	require.NoError(t, afero.WriteFile(fs, dev+"/idVendor", []byte("0781\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, dev+"/1-2:1.0/bInterfaceClass", []byte("08\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, dev+"/1-2:1.1/bInterfaceClass", []byte("03\n"), 0o644))
	require.NoError(t, fs.MkdirAll(dev+"/power", 0o755))

	classes := InterfaceClasses(fs, dev)
	assert.ElementsMatch(t, []string{"08", "03"}, classes)
}

func TestInterfaceClasses_MissingDir(t *testing.T) {
	t.Parallel()

	assert.Empty(t, InterfaceClasses(afero.NewMemMapFs(), "/sys/devices/nope"))
}

func TestCheckBadUSB(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		classes []string
		bad     bool
		kind    string
	}{
		{name: "storage and hid", classes: []string{"08", "03"}, bad: true, kind: KindBadUSB},
		{name: "storage only", classes: []string{"08"}, bad: false, kind: KindUDisk},
		{name: "hid only", classes: []string{"03", "03"}, bad: false, kind: KindOther},
		{name: "nothing", classes: nil, bad: false, kind: KindOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			bad, kind := CheckBadUSB(tt.classes)
			assert.Equal(t, tt.bad, bad)
			assert.Equal(t, tt.kind, kind)
		})
	}
}
