package multidev

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opencosim/nicbm/internal/runtime"
	"github.com/opencosim/nicbm/internal/shmif"
)

var errBuild = errors.New("build failed")

func TestSplitArgvSingleDeviceNoSeparator(t *testing.T) {
	groups := SplitArgv([]string{"-pcie-socket", "/tmp/a.sock"})

	require.Len(t, groups, 1)
	require.Equal(t, []string{"-pcie-socket", "/tmp/a.sock"}, groups[0])
}

func TestSplitArgvMultipleDevices(t *testing.T) {
	groups := SplitArgv([]string{"-pcie-socket", "/tmp/a.sock", "--", "-pcie-socket", "/tmp/b.sock", "-mac", "x"})

	require.Len(t, groups, 2)
	require.Equal(t, []string{"-pcie-socket", "/tmp/a.sock"}, groups[0])
	require.Equal(t, []string{"-pcie-socket", "/tmp/b.sock", "-mac", "x"}, groups[1])
}

func TestParseConfigFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "devices-*.ini")
	require.NoError(t, err)

	_, err = f.WriteString("[device]\npcie-socket=/tmp/a.sock\ndevice=i40e\nmac=02:00:00:00:00:01\n\n" +
		"[device]\npcie-socket=/tmp/b.sock\neth-socket=/tmp/b.eth\ndevice=ringnic\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	configs, err := ParseConfigFile(f.Name())
	require.NoError(t, err)
	require.Len(t, configs, 2)
	require.Equal(t, Config{PCIeSocket: "/tmp/a.sock", DeviceKind: "i40e", MACAddr: "02:00:00:00:00:01"}, configs[0])
	require.Equal(t, Config{PCIeSocket: "/tmp/b.sock", EthSocket: "/tmp/b.eth", DeviceKind: "ringnic"}, configs[1])
}

func TestParseConfigFileRejectsUnknownKey(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "devices-*.ini")
	require.NoError(t, err)

	_, err = f.WriteString("[device]\nbogus=1\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = ParseConfigFile(f.Name())
	require.Error(t, err)
}

type nullDevice struct{}

func (nullDevice) RegRead(bar uint8, addr uint64, length uint64) []byte { return make([]byte, length) }
func (nullDevice) RegWrite(bar uint8, addr uint64, data []byte)         {}
func (nullDevice) EthRx(pkt []byte)                                     {}

func TestRunStopsAllDevicesOnContextCancel(t *testing.T) {
	configs := []Config{{DeviceKind: "a"}, {DeviceKind: "b"}}

	build := func(ctx context.Context, cfg Config) (*runtime.Runner, error) {
		pci, _ := shmif.NewLoopbackPair(shmif.DefaultParams())

		r := runtime.NewRunner(pci, nil)
		r.SetDevice(nullDevice{})

		return r, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := Run(ctx, configs, build)
	require.NoError(t, err)
}

func TestRunPropagatesBuildError(t *testing.T) {
	configs := []Config{{DeviceKind: "broken"}}

	err := Run(context.Background(), configs, func(ctx context.Context, cfg Config) (*runtime.Runner, error) {
		return nil, errBuild
	})
	require.ErrorIs(t, err, errBuild)
}
