package rpc

// Procedure paths. Connect multiplexes by exact HTTP path, mirroring the
// "/<package>.<Service>/<Method>" shape protoc-gen-connect-go would emit;
// these are authored by hand since no protobuf service descriptor exists
// here (see codec.go).
const (
	busServicePrefix = "/busd.bus.v1.BusService/"

	ProcedureBindSessionPort = busServicePrefix + "BindSessionPort"
	ProcedureUnbindSessionPort = busServicePrefix + "UnbindSessionPort"
	ProcedureJoinSession = busServicePrefix + "JoinSession"
	ProcedureLeaveSession = busServicePrefix + "LeaveSession"
	ProcedureGetSessionFd = busServicePrefix + "GetSessionFd"
	ProcedureSetLinkTimeout = busServicePrefix + "SetLinkTimeout"
	ProcedureAdvertiseName = busServicePrefix + "AdvertiseName"
	ProcedureCancelAdvertiseName = busServicePrefix + "CancelAdvertiseName"
	ProcedureFindAdvertisedName = busServicePrefix + "FindAdvertisedName"
	ProcedureCancelFindAdvertisedName = busServicePrefix + "CancelFindAdvertisedName"
	ProcedureWatchSignals = busServicePrefix + "WatchSignals"
	ProcedureRespondAccept = busServicePrefix + "RespondAccept"

	linkServicePrefix = "/busd.link.v1.LinkService/"

	ProcedureAttachSession = linkServicePrefix + "AttachSession"
	ProcedureGetSessionInfo = linkServicePrefix + "GetSessionInfo"
	ProcedureDetachSession = linkServicePrefix + "DetachSession"
	ProcedureExchangeNames = linkServicePrefix + "ExchangeNames"
	ProcedureNameChanged = linkServicePrefix + "NameChanged"
	ProcedureIdentify = linkServicePrefix + "Identify"
)
