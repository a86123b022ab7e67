// Package connect provides the Connect RPC admin service. Messages are
// google.protobuf.Struct values so the service needs no generated code.
package connect

const (
	// AdminServiceName is the fully-qualified name of the admin service.
	AdminServiceName = "djbox.admin.v1.AdminService"

	// AdminTokenHeader is the header name for admin authentication token.
	AdminTokenHeader = "X-Admin-Token"
)

// Procedure paths of the admin service.
const (
	ListSessionsProcedure   = "/" + AdminServiceName + "/ListSessions"
	GetStatusProcedure      = "/" + AdminServiceName + "/GetStatus"
	GetDiagnosticsProcedure = "/" + AdminServiceName + "/GetDiagnostics"
	EnqueueProcedure        = "/" + AdminServiceName + "/Enqueue"
	SkipProcedure           = "/" + AdminServiceName + "/Skip"
	StopProcedure           = "/" + AdminServiceName + "/Stop"
	PauseProcedure          = "/" + AdminServiceName + "/Pause"
	ResumeProcedure         = "/" + AdminServiceName + "/Resume"
	RemoveProcedure         = "/" + AdminServiceName + "/Remove"
	ClearProcedure          = "/" + AdminServiceName + "/Clear"
	SetModeProcedure        = "/" + AdminServiceName + "/SetMode"
	PreviousProcedure       = "/" + AdminServiceName + "/Previous"
	TeardownProcedure       = "/" + AdminServiceName + "/Teardown"
	WatchEventsProcedure    = "/" + AdminServiceName + "/WatchEvents"
)

// unaryProcedures lists every request/response procedure in registration
// order.
var unaryProcedures = []string{
	ListSessionsProcedure,
	GetStatusProcedure,
	GetDiagnosticsProcedure,
	EnqueueProcedure,
	SkipProcedure,
	StopProcedure,
	PauseProcedure,
	ResumeProcedure,
	RemoveProcedure,
	ClearProcedure,
	SetModeProcedure,
	PreviousProcedure,
	TeardownProcedure,
}
