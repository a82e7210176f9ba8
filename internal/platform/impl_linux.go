package platform

import (
	"fmt"

	"github.com/Hara602/usbWarden/internal/sysutil"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

func newPlatform(opts Options) (Backend, VolumeController, error) {
	backend := newSysfsBackend(afero.NewOsFs())

	switch opts.VolumeDriver {
	case "", "syscall":
		return backend, syscallVolumes{}, nil
	case "udisks2":
		volumes, err := newUDisksVolumes()
		if err != nil {
			return nil, nil, fmt.Errorf("udisks2 volume driver: %w", err)
		}
		sysutil.Log.Info("using UDisks2 for volume dismount")
		return backend, volumes, nil
	}
	sysutil.Log.Error("unknown volume driver", zap.String("driver", opts.VolumeDriver))
	return nil, nil, fmt.Errorf("unknown volume driver %q", opts.VolumeDriver)
}
