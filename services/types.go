package services

import (
	"github.com/mbocsi/kingdom/proto"
	"github.com/mbocsi/kingdom/server"
)

// KingdomInfo summarises the kingdom as seen by the local device
type KingdomInfo struct {
	Self        proto.DeviceID `json:"self"`
	Role        proto.Role     `json:"role"`
	King        proto.DeviceID `json:"king,omitempty"`
	Prince      proto.DeviceID `json:"prince,omitempty"`
	MemberCount int            `json:"member_count"`
	Members     []MemberInfo   `json:"members"`
}

// MemberInfo represents one kingdom member for the service layer
type MemberInfo struct {
	Device    proto.DeviceID             `json:"device"`
	Role      proto.Role                 `json:"role"`
	Self      bool                       `json:"self"`
	Connected bool                       `json:"connected"`
	MetaData  []proto.ConnectionMetaData `json:"metadata,omitempty"`
}

// TransportInfo represents transport status
type TransportInfo struct {
	Index       int    `json:"index"`
	Name        string `json:"name"`
	Protocol    string `json:"protocol"`
	Address     string `json:"address"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	Connections int    `json:"connections"`
}

type ConnectionInfo = server.ConnectionInfo

// ServiceError represents structured service layer errors
type ServiceError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e ServiceError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e ServiceError) Unwrap() error {
	return e.Cause
}

// Common error codes
const (
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeInvalidInput = "INVALID_INPUT"
	ErrCodeInternal     = "INTERNAL_ERROR"
)
