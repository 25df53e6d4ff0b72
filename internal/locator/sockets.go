package locator

import (
	"context"

	"github.com/shirou/gopsutil/v3/net"

	"github.com/dmitriimaksimovdevelop/insight/internal/model"
)

// SystemSockets lists listening sockets of the running host via gopsutil,
// which reads /proc/net/{tcp,tcp6,udp,udp6} and maps inodes to PIDs.
type SystemSockets struct{}

func NewSystemSockets() *SystemSockets { return &SystemSockets{} }

func (s *SystemSockets) Listeners(ctx context.Context, proto model.Protocol) ([]Listener, error) {
	conns, err := net.ConnectionsWithContext(ctx, string(proto))
	if err != nil {
		return nil, err
	}
	var out []Listener
	for _, c := range conns {
		if !isListening(c, proto) {
			continue
		}
		out = append(out, Listener{
			PID:      int(c.Pid),
			Port:     int(c.Laddr.Port),
			Protocol: proto,
		})
	}
	return out, nil
}

// TCP sockets are listening in the LISTEN state; UDP has no states, so a
// bound socket without a remote peer is treated as the listener.
func isListening(c net.ConnectionStat, proto model.Protocol) bool {
	switch proto {
	case model.ProtoTCP:
		return c.Status == "LISTEN"
	case model.ProtoUDP:
		return c.Laddr.Port != 0 && c.Raddr.Port == 0
	}
	return false
}
