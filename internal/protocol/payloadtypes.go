package protocol

// Well-known payload type tags from the Open API container contract. The
// engine itself only interprets the common types (heartbeat, error); the
// OA tags are provided for callers layering concrete schemas on top.
const (
	PayloadTypeErrorRes  uint32 = 50
	PayloadTypeHeartbeat uint32 = 51

	PayloadTypeOAApplicationAuthReq uint32 = 2100
	PayloadTypeOAApplicationAuthRes uint32 = 2101
	PayloadTypeOAAccountAuthReq     uint32 = 2102
	PayloadTypeOAAccountAuthRes     uint32 = 2103
	PayloadTypeOAVersionReq         uint32 = 2104
	PayloadTypeOAVersionRes         uint32 = 2105
	PayloadTypeOAErrorRes           uint32 = 2142
)

// Heartbeat returns the protocol-level keep-alive envelope. The heartbeat
// event carries no payload and is never correlated.
func Heartbeat() *Envelope {
	return &Envelope{PayloadType: PayloadTypeHeartbeat}
}
