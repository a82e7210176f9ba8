package sysutil

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

const ProcMounts = "/proc/mounts"

// MountEntry /proc/mounts 的一行
type MountEntry struct {
	Device     string // e.g. /dev/sdb1
	MountPoint string // e.g. /media/usb
	FSType     string
}

// ReadMounts 读取挂载表, 只保留 /dev/ 开头且不是 loop 的设备
func ReadMounts(fs afero.Fs) ([]MountEntry, error) {
	f, err := fs.Open(ProcMounts)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", ProcMounts, err)
	}
	defer f.Close()

	var entries []MountEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		devPath := fields[0]
		if !strings.HasPrefix(devPath, "/dev/") || strings.HasPrefix(devPath, "/dev/loop") {
			continue
		}
		entries = append(entries, MountEntry{
			Device:     UnescapeMountField(devPath),
			MountPoint: UnescapeMountField(fields[1]),
			FSType:     fields[2],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", ProcMounts, err)
	}
	return entries, nil
}

// UnescapeMountField 还原内核的八进制转义, "\040" -> " "
// /dev/disk/by-label 里的 "\x20" 也一并处理
func UnescapeMountField(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' {
			if i+3 < len(s) && isOctal(s[i+1]) && isOctal(s[i+2]) && isOctal(s[i+3]) {
				v, err := strconv.ParseUint(s[i+1:i+4], 8, 8)
				if err == nil {
					b.WriteByte(byte(v))
					i += 3
					continue
				}
			}
			if i+3 < len(s) && s[i+1] == 'x' {
				v, err := strconv.ParseUint(s[i+2:i+4], 16, 8)
				if err == nil {
					b.WriteByte(byte(v))
					i += 3
					continue
				}
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isOctal(c byte) bool { return c >= '0' && c <= '7' }
