package websocket

import "testing"

func TestHandshakeError_Error(t *testing.T) {
	e := &HandshakeError{Reason: ReasonMissingKey}
	if e.Error() != "websocket: handshake refused: missing_key" {
		t.Errorf("Error() = %q", e.Error())
	}

	e2 := &HandshakeError{Reason: ReasonBadStatus, Detail: "404"}
	if e2.Error() != "websocket: handshake refused: bad_status: 404" {
		t.Errorf("Error() = %q", e2.Error())
	}
}

func TestProtocolError_Error(t *testing.T) {
	e := &ProtocolError{Reason: ReasonReservedOpcode}
	if e.Error() != "websocket: protocol error: reserved_opcode" {
		t.Errorf("Error() = %q", e.Error())
	}
}
