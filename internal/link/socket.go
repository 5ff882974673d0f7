// =============================================================================
// 文件: internal/link/socket.go
// 描述: IPv4 组播发送套接字 - 实现 pipeline.FrameWriter
// =============================================================================
package link

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/net/ipv4"
)

const (
	defaultWriteBufferSize = 4 * 1024 * 1024 // 4MB
	minWriteBufferSize     = 256 * 1024
	maxWriteBufferSize     = 64 * 1024 * 1024
)

// SocketConfig 套接字配置
type SocketConfig struct {
	Group           *net.UDPAddr
	Interface       string // 出口网卡，空为系统默认
	TTL             int
	Loopback        bool
	WriteBufferSize int
}

// Socket 组播发送套接字
type Socket struct {
	group *net.UDPAddr
	conn  *net.UDPConn
	pc    *ipv4.PacketConn

	framesWritten uint64
	bytesWritten  uint64
	writeErrors   uint64

	closeOnce sync.Once
}

// OpenSocket 打开组播发送套接字
func OpenSocket(cfg *SocketConfig) (*Socket, error) {
	if cfg.Group == nil || !cfg.Group.IP.IsMulticast() {
		return nil, fmt.Errorf("无效组播地址: %v", cfg.Group)
	}
	if cfg.Group.IP.To4() == nil {
		return nil, fmt.Errorf("仅支持 IPv4 组播: %s", cfg.Group)
	}

	var ifi *net.Interface
	if cfg.Interface != "" {
		var err error
		ifi, err = net.InterfaceByName(cfg.Interface)
		if err != nil {
			return nil, fmt.Errorf("查找网卡 %s: %w", cfg.Interface, err)
		}
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("监听 UDP: %w", err)
	}

	// 内核上限可能更小，设置失败不影响发送
	_ = conn.SetWriteBuffer(clampWriteBuffer(cfg.WriteBufferSize))

	pc := ipv4.NewPacketConn(conn)
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 1
	}
	if err := pc.SetMulticastTTL(ttl); err != nil {
		conn.Close()
		return nil, fmt.Errorf("设置组播 TTL: %w", err)
	}
	if err := pc.SetMulticastLoopback(cfg.Loopback); err != nil {
		conn.Close()
		return nil, fmt.Errorf("设置组播回环: %w", err)
	}
	if ifi != nil {
		if err := pc.SetMulticastInterface(ifi); err != nil {
			conn.Close()
			return nil, fmt.Errorf("设置组播网卡: %w", err)
		}
	}

	return &Socket{
		group: cfg.Group,
		conn:  conn,
		pc:    pc,
	}, nil
}

func clampWriteBuffer(size int) int {
	if size <= 0 {
		return defaultWriteBufferSize
	}
	if size < minWriteBufferSize {
		return minWriteBufferSize
	}
	if size > maxWriteBufferSize {
		return maxWriteBufferSize
	}
	return size
}

// WriteFrame 向组播组写出一帧
func (s *Socket) WriteFrame(frame []byte) error {
	n, err := s.conn.WriteToUDP(frame, s.group)
	if err != nil {
		atomic.AddUint64(&s.writeErrors, 1)
		return err
	}
	atomic.AddUint64(&s.framesWritten, 1)
	atomic.AddUint64(&s.bytesWritten, uint64(n))
	return nil
}

// LocalAddr 本地地址
func (s *Socket) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Close 关闭套接字
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

// GetStats 获取统计
func (s *Socket) GetStats() map[string]uint64 {
	return map[string]uint64{
		"frames_written": atomic.LoadUint64(&s.framesWritten),
		"bytes_written":  atomic.LoadUint64(&s.bytesWritten),
		"write_errors":   atomic.LoadUint64(&s.writeErrors),
	}
}
