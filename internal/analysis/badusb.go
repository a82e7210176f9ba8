package analysis

import (
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

const (
	ClassHID         = "03"
	ClassMassStorage = "08"
)

const (
	KindBadUSB = "BADUSB_SUSPECT"
	KindUDisk  = "udisk"
	KindOther  = "other"
)

// InterfaceClasses 读取 USB 设备下每个接口的 bInterfaceClass
func InterfaceClasses(fs afero.Fs, sysPath string) []string {
	files, err := afero.ReadDir(fs, sysPath)
	if err != nil {
		return nil
	}
	var classes []string
	for _, f := range files {
		// 遍历接口目录，例如 1-1:1.0
		if !strings.Contains(f.Name(), ":") {
			continue
		}
		content, err := afero.ReadFile(fs, filepath.Join(sysPath, f.Name(), "bInterfaceClass"))
		if err != nil {
			continue
		}
		classes = append(classes, strings.TrimSpace(string(content)))
	}
	return classes
}

// CheckBadUSB 如果一个 USB 设备同时拥有 08(存储) 和 03(HID) 接口，则判定为 BadUSB
func CheckBadUSB(classes []string) (bool, string) {
	hasStorage := false
	hasHID := false
	for _, c := range classes {
		switch c {
		case ClassHID:
			hasHID = true
		case ClassMassStorage:
			hasStorage = true
		}
	}
	if hasStorage && hasHID {
		return true, KindBadUSB
	} else if hasStorage {
		return false, KindUDisk
	}
	return false, KindOther
}
