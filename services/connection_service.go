package services

import (
	"slices"
	"strings"

	"github.com/mbocsi/kingdom/proto"
	"github.com/mbocsi/kingdom/server"
)

// ConnectionServiceImpl implements ConnectionService
type ConnectionServiceImpl struct {
	node Node
}

func NewConnectionService(node Node) ConnectionService {
	return &ConnectionServiceImpl{node: node}
}

func (cs *ConnectionServiceImpl) ListConnections() ([]ConnectionInfo, error) {
	conns := cs.node.Connections()
	result := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		result = append(result, server.DescribeConn(c))
	}
	slices.SortFunc(result, func(a, b ConnectionInfo) int {
		if c := strings.Compare(string(a.Device), string(b.Device)); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return result, nil
}

func (cs *ConnectionServiceImpl) GetConnectionsForDevice(id string) ([]ConnectionInfo, error) {
	device := proto.DeviceID(strings.TrimSpace(id))
	if err := device.Validate(); err != nil {
		return nil, ServiceError{
			Code:    ErrCodeInvalidInput,
			Message: "Device id is required",
			Cause:   err,
		}
	}
	all, err := cs.ListConnections()
	if err != nil {
		return nil, err
	}
	var result []ConnectionInfo
	for _, c := range all {
		if c.Device == device {
			result = append(result, c)
		}
	}
	if len(result) == 0 {
		return nil, ServiceError{
			Code:    ErrCodeNotFound,
			Message: "No connections to device: " + string(device),
		}
	}
	return result, nil
}
