//go:build !linux

package platform

func newPlatform(Options) (Backend, VolumeController, error) {
	return nil, nil, ErrUnsupported
}
