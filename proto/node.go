package proto

type NodeRole int

const (
	NodeRoleUnknown NodeRole = iota
	NodeRoleMeta
	NodeRoleRegionServer
)

type NodeInfo struct {
	Role     NodeRole `json:"role"`
	Addr     string   `json:"addr"`
	GrpcPort int      `json:"grpc_port"`
	HttpPort int      `json:"http_port"`
}
