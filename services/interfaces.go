package services

import (
	"github.com/mbocsi/kingdom/proto"
	"github.com/mbocsi/kingdom/server"
	"github.com/mbocsi/kingdom/transport"
)

// Node is the part of server.Node the services read from
type Node interface {
	ID() proto.DeviceID
	Role() proto.Role
	View() server.View
	Connections() []transport.Conn
	Transports() []transport.Info
}

// KingdomService exposes the census view
type KingdomService interface {
	GetKingdom() (*KingdomInfo, error)
	ListMembers() ([]MemberInfo, error)
	GetMember(id string) (*MemberInfo, error)
}

// ConnectionService lists open connections
type ConnectionService interface {
	ListConnections() ([]ConnectionInfo, error)
	GetConnectionsForDevice(id string) ([]ConnectionInfo, error)
}

// TransportService handles transport information
type TransportService interface {
	ListTransports() ([]TransportInfo, error)
	GetTransport(index int) (*TransportInfo, error)
	GetTransportStats() (map[string]interface{}, error)
}

// ServiceContainer holds all service implementations
type ServiceContainer struct {
	Kingdom    KingdomService
	Connection ConnectionService
	Transport  TransportService
}
