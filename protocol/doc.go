// Package protocol implements the wire level of the Dialog SUOTA (SPOTA)
// firmware update service: UUIDs, command and status values, little-endian
// framing and the status gate.
//
// Every command that changes the bootloader state is answered with a one
// byte status notification on SERV_STATUS. A Gate pairs a write with that
// notification:
//
//	gate := protocol.NewGate(t)
//	t.StartNotifying(ctx, protocol.ServiceUUID, protocol.ServStatusUUID, gate.Notify)
//	err := gate.WriteValueForStatus(ctx, protocol.ServiceUUID, protocol.MemDevUUID,
//	    protocol.MemoryDevice(protocol.MemoryTypeSPI, 0), protocol.StatusImageStarted)
//
// A wrong status is reported as a *StatusError and a missing one as a
// *TimeoutError.
package protocol
