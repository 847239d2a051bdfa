// Package protocol is the Dispatch Core's C14 component: it interprets
// device confirmation/resolution messages coming off internal/devicechannel
// and drives the C10 FSM transitions. Malformed or mismatched messages are
// logged and dropped; this package never fails the process.
package protocol

import (
	"context"

	"dispatchcore/internal/devicechannel"
	"dispatchcore/internal/store"
	"dispatchcore/pkg/logger"
)

// FaultMachine is the subset of internal/fsm.Machine this package drives.
// A narrower interface (rather than the concrete type) lets a caller wrap
// the real machine with per-key locking without this package knowing about it.
type FaultMachine interface {
	Confirm(ctx context.Context, faultID string) error
	Resolve(ctx context.Context, faultID string) error
}

// Handlers wires devicechannel messages to fsm transitions.
type Handlers struct {
	gateway store.Gateway
	machine FaultMachine
}

// New builds a protocol Handlers.
func New(gateway store.Gateway, machine FaultMachine) *Handlers {
	return &Handlers{gateway: gateway, machine: machine}
}

// Confirmation handles a parsed {faultId, confirmed:true} message.
func (h *Handlers) Confirmation(ctx context.Context, vehicleNumber string, msg devicechannel.ConfirmationMessage) {
	if !msg.Confirmed {
		logger.Warn("protocol: confirmation message missing confirmed=true, ignoring", "vehicleNumber", vehicleNumber, "faultId", msg.FaultID)
		return
	}
	if msg.FaultID == "" {
		logger.Warn("protocol: confirmation message missing faultId, ignoring", "vehicleNumber", vehicleNumber)
		return
	}

	if !h.validateVehicleOwnsFault(ctx, vehicleNumber, msg.FaultID) {
		return
	}

	if err := h.machine.Confirm(ctx, msg.FaultID); err != nil {
		logger.Error("protocol: confirm transition failed", "faultId", msg.FaultID, "vehicleNumber", vehicleNumber, "error", err)
	}
}

// Resolution handles a parsed {faultId, resolved:true} message.
func (h *Handlers) Resolution(ctx context.Context, vehicleNumber string, msg devicechannel.ResolutionMessage) {
	if !msg.Resolved {
		logger.Warn("protocol: resolution message missing resolved=true, ignoring", "vehicleNumber", vehicleNumber, "faultId", msg.FaultID)
		return
	}
	if msg.FaultID == "" {
		logger.Warn("protocol: resolution message missing faultId, ignoring", "vehicleNumber", vehicleNumber)
		return
	}

	if !h.validateVehicleOwnsFault(ctx, vehicleNumber, msg.FaultID) {
		return
	}

	if err := h.machine.Resolve(ctx, msg.FaultID); err != nil {
		logger.Error("protocol: resolve transition failed", "faultId", msg.FaultID, "vehicleNumber", vehicleNumber, "error", err)
	}
}

// validateVehicleOwnsFault checks that the fault named in the message is
// actually assigned to the vehicle the topic names, so a spoofed or stale
// device message cannot drive another vehicle's fault.
func (h *Handlers) validateVehicleOwnsFault(ctx context.Context, vehicleNumber, faultID string) bool {
	fault, err := h.gateway.GetFault(ctx, faultID)
	if err != nil {
		logger.Warn("protocol: unknown faultId, ignoring", "faultId", faultID, "vehicleNumber", vehicleNumber, "error", err)
		return false
	}
	if fault.AssignedVehicleID == nil {
		logger.Warn("protocol: fault has no assigned vehicle, ignoring", "faultId", faultID, "vehicleNumber", vehicleNumber)
		return false
	}

	vehicle, err := h.gateway.GetVehicle(ctx, *fault.AssignedVehicleID)
	if err != nil {
		logger.Warn("protocol: assigned vehicle lookup failed, ignoring", "faultId", faultID, "vehicleId", *fault.AssignedVehicleID, "error", err)
		return false
	}
	if vehicle.Number != vehicleNumber {
		logger.Warn("protocol: vehicle number mismatch, ignoring", "faultId", faultID, "topicVehicleNumber", vehicleNumber, "assignedVehicleNumber", vehicle.Number)
		return false
	}
	return true
}
