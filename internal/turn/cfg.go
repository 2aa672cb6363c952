package turn

// ConfigOptions configures the self-hosted TURN relay the media path falls
// back to when a direct connection cannot be established.
type ConfigOptions struct {
	// PublicIP is the address advertised to peers for relayed traffic.
	PublicIP     string
	Port         int
	Username     string
	Password     string
	Realm        string
	RelayMinPort uint
	RelayMaxPort uint
}
