package services

import (
	"github.com/mbocsi/kingdom/proto"
	"github.com/mbocsi/kingdom/server"
	"github.com/mbocsi/kingdom/transport"
)

func connectedDevices(node Node) map[proto.DeviceID]bool {
	out := make(map[proto.DeviceID]bool)
	for _, c := range node.Connections() {
		out[c.Remote()] = true
	}
	return out
}

// convertMember converts a census member to MemberInfo
func convertMember(m server.Member, self proto.DeviceID, connected map[proto.DeviceID]bool) MemberInfo {
	return MemberInfo{
		Device:    m.Device,
		Role:      m.Role,
		Self:      m.Device == self,
		Connected: m.Device == self || connected[m.Device],
		MetaData:  proto.CloneMetaData(m.MetaData),
	}
}

// convertTransportInfo converts transport.Info to TransportInfo
func convertTransportInfo(index int, info transport.Info) TransportInfo {
	status := "stopped"
	if info.Listening {
		status = "listening"
	}
	return TransportInfo{
		Index:       index,
		Name:        info.Name,
		Protocol:    info.Protocol,
		Address:     info.Address,
		Description: info.Description,
		Status:      status,
		Connections: info.Connections,
	}
}
