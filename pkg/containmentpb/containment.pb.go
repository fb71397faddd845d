// containment.proto describes this service's wire shapes; protoc is not
// available in this build environment, so LockdownRequest/LockdownResponse
// below are plain structs kept in sync with it by hand rather than
// protoc-gen-go output. They travel over gRPC via codec.go's forced JSON
// codec instead of the real protobuf binary wire format.
package containmentpb

import "github.com/ocx/fabric/pkg/fileevent"

// LockdownRequest is the wire request for the unary TriggerLockdown call.
// The canonical struct lives in pkg/fileevent since the containment engine,
// the gRPC server, and the detection engine that originates requests all
// need the same shape without importing this generated package from
// fileevent (which would invert the dependency).
type LockdownRequest = fileevent.LockdownRequest

// LockdownResponse is the wire response for TriggerLockdown.
type LockdownResponse = fileevent.LockdownResponse
