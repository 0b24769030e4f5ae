package services

// NewServiceContainer wires every service to node
func NewServiceContainer(node Node) *ServiceContainer {
	return &ServiceContainer{
		Kingdom:    NewKingdomService(node),
		Connection: NewConnectionService(node),
		Transport:  NewTransportService(node),
	}
}
