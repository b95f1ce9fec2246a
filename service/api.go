package service

import "github.com/pithecene-io/circuitd/types"

// Methods served by the background process.
const (
	MethodPing            = "ping"
	MethodEvent           = types.EventMethod
	MethodCircuitsAdd     = "circuits.add"
	MethodCircuitsGet     = "circuits.get"
	MethodCircuitsList    = "circuits.list"
	MethodCircuitsClear   = "circuits.clear"
	MethodFilesDownloaded = "files.downloaded"
	MethodFilesLoad       = "files.load"
	MethodFilesInvalidate = "files.invalidate"
	MethodUIRegister      = "ui.register"
	MethodConfirmRequest  = "confirm.request"
)

// Methods the background process calls on the registered UI peer.
const (
	MethodUIConfirm = "ui.confirm"
	MethodUIClose   = "ui.close"
)

// Error codes reported by the service handlers.
const (
	CodeNotFound = "not_found"
	CodeInvalid  = "invalid_argument"
	CodeNoUI     = "no_ui"
)

// NameRequest addresses a circuit by name.
type NameRequest struct {
	Name string `msgpack:"name"`
}

// FileRequest addresses one companion file of a circuit.
type FileRequest struct {
	Circuit string         `msgpack:"circuit"`
	File    types.FileKind `msgpack:"file"`
}

// AddResponse reports the outcome of circuits.add.
type AddResponse struct {
	// Started is false when the circuit was already known with the same versions.
	Started bool          `msgpack:"started"`
	Circuit types.Circuit `msgpack:"circuit"`
}

// ConfirmRequest asks the UI to approve an action.
type ConfirmRequest struct {
	Title   string `msgpack:"title"`
	Message string `msgpack:"message"`
	// Origin names the peer asking, shown to the user.
	Origin string `msgpack:"origin,omitempty"`
}
