//go:build linux

// =============================================================================
// 文件: internal/shm/region_linux.go
// 描述: Linux 共享内存区域 - memfd + mmap
// =============================================================================
package shm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mapRegion 创建 memfd 并映射为共享内存
func mapRegion(name string, size int) ([]byte, func() error, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, nil, fmt.Errorf("memfd_create: %w", err)
	}

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, nil, fmt.Errorf("ftruncate: %w", err)
	}

	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, nil, fmt.Errorf("mmap: %w", err)
	}

	unmap := func() error {
		if err := unix.Munmap(mem); err != nil {
			unix.Close(fd)
			return fmt.Errorf("munmap: %w", err)
		}
		return unix.Close(fd)
	}

	return mem, unmap, nil
}
