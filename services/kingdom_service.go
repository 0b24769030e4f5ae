package services

import (
	"slices"
	"strings"

	"github.com/mbocsi/kingdom/proto"
	"github.com/mbocsi/kingdom/server"
)

// KingdomServiceImpl implements KingdomService
type KingdomServiceImpl struct {
	node Node
}

func NewKingdomService(node Node) KingdomService {
	return &KingdomServiceImpl{node: node}
}

// GetKingdom returns the current view with every member
func (ks *KingdomServiceImpl) GetKingdom() (*KingdomInfo, error) {
	view := ks.node.View()
	members := ks.members(view)
	return &KingdomInfo{
		Self:        view.Self,
		Role:        view.Role,
		King:        view.King,
		Prince:      view.Prince,
		MemberCount: len(members),
		Members:     members,
	}, nil
}

func (ks *KingdomServiceImpl) ListMembers() ([]MemberInfo, error) {
	return ks.members(ks.node.View()), nil
}

func (ks *KingdomServiceImpl) GetMember(id string) (*MemberInfo, error) {
	device := proto.DeviceID(strings.TrimSpace(id))
	if err := device.Validate(); err != nil {
		return nil, ServiceError{
			Code:    ErrCodeInvalidInput,
			Message: "Device id is required",
			Cause:   err,
		}
	}
	for _, m := range ks.members(ks.node.View()) {
		if m.Device == device {
			return &m, nil
		}
	}
	return nil, ServiceError{
		Code:    ErrCodeNotFound,
		Message: "Member not found: " + string(device),
	}
}

func (ks *KingdomServiceImpl) members(view server.View) []MemberInfo {
	connected := connectedDevices(ks.node)
	result := make([]MemberInfo, 0, len(view.Members))
	for _, m := range view.Members {
		result = append(result, convertMember(m, view.Self, connected))
	}
	slices.SortFunc(result, func(a, b MemberInfo) int {
		return strings.Compare(string(a.Device), string(b.Device))
	})
	return result
}
