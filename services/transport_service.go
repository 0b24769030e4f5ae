package services

// TransportServiceImpl implements TransportService
type TransportServiceImpl struct {
	node Node
}

// NewTransportService creates a new transport service
func NewTransportService(node Node) TransportService {
	return &TransportServiceImpl{node: node}
}

// ListTransports returns all transport information
func (ts *TransportServiceImpl) ListTransports() ([]TransportInfo, error) {
	infos := ts.node.Transports()
	result := make([]TransportInfo, 0, len(infos))
	for i, info := range infos {
		result = append(result, convertTransportInfo(i, info))
	}
	return result, nil
}

// GetTransport returns a specific transport by index
func (ts *TransportServiceImpl) GetTransport(index int) (*TransportInfo, error) {
	infos := ts.node.Transports()
	if index < 0 || index >= len(infos) {
		return nil, ServiceError{
			Code:    ErrCodeNotFound,
			Message: "Transport index out of range",
		}
	}
	info := convertTransportInfo(index, infos[index])
	return &info, nil
}

// GetTransportStats returns aggregate transport statistics
func (ts *TransportServiceImpl) GetTransportStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	infos := ts.node.Transports()
	listening := 0
	totalConnections := 0
	for _, info := range infos {
		if info.Listening {
			listening++
		}
		totalConnections += info.Connections
	}

	stats["total_transports"] = len(infos)
	stats["listening_transports"] = listening
	stats["total_connections"] = totalConnections
	stats["role"] = ts.node.Role().String()

	return stats, nil
}
