package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// 扫描进程数的上限, 只是为了给出提示, 不需要完整
const maxHolderScan = 4096

// holder 找一个在挂载点下打开了文件的进程, 找不到返回空
func (b *sysfsBackend) holder(mountPoint string) string {
	lr, ok := b.fs.(afero.LinkReader)
	if !ok {
		return ""
	}
	procs, err := afero.ReadDir(b.fs, "/proc")
	if err != nil {
		return ""
	}
	scanned := 0
	for _, p := range procs {
		pid, err := strconv.Atoi(p.Name())
		if err != nil {
			continue
		}
		if scanned++; scanned > maxHolderScan {
			break
		}
		procDir := filepath.Join("/proc", p.Name())
		if target, err := lr.ReadlinkIfPossible(filepath.Join(procDir, "cwd")); err == nil && under(target, mountPoint) {
			return fmt.Sprintf("%s (pid %d)", b.procName(pid), pid)
		}
		fds, err := afero.ReadDir(b.fs, filepath.Join(procDir, "fd"))
		if err != nil {
			continue
		}
		for _, fd := range fds {
			target, err := lr.ReadlinkIfPossible(filepath.Join(procDir, "fd", fd.Name()))
			if err == nil && under(target, mountPoint) {
				return fmt.Sprintf("%s (pid %d)", b.procName(pid), pid)
			}
		}
	}
	return ""
}

func under(path, dir string) bool {
	return path == dir || strings.HasPrefix(path, strings.TrimSuffix(dir, "/")+"/")
}

func (b *sysfsBackend) procName(pid int) string {
	data, err := afero.ReadFile(b.fs, filepath.Join("/proc", strconv.Itoa(pid), "comm"))
	if err != nil {
		// 如果是进程的文件不存在，说明进程已经退出了
		if os.IsNotExist(err) {
			return "process exited too fast"
		}
		return "unknown"
	}
	return strings.TrimSpace(string(data))
}
