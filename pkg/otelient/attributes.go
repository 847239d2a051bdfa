package otelient

import (
	"go.opentelemetry.io/otel/attribute"
)

// Standard span attribute keys.
const (
	// Entities
	AttrFaultID   = "dispatch.fault_id"
	AttrVehicleID = "dispatch.vehicle_id"
	AttrTripID    = "dispatch.trip_id"
	AttrDriverID  = "dispatch.driver_id"
	AttrDeviceID  = "dispatch.device_id"

	// Dispatch pipeline
	AttrEngine         = "dispatch.engine"
	AttrOutcome        = "dispatch.outcome"
	AttrCandidateCount = "dispatch.candidate_count"
	AttrRedispatch     = "dispatch.redispatch"

	// Routing collaborator
	AttrRouteFallback     = "routing.fallback"
	AttrRouteDistanceM    = "routing.distance_meters"
	AttrRouteBreakerState = "routing.breaker_state"

	// Device channel
	AttrDeviceTopic   = "device.topic"
	AttrDeviceQueued  = "device.queued"
	AttrDeviceDropped = "device.dropped_oldest"
)

// DispatchAttributes returns the attributes identifying a dispatch attempt.
func DispatchAttributes(faultID, engine, outcome string, candidateCount int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrFaultID, faultID),
		attribute.String(AttrEngine, engine),
		attribute.String(AttrOutcome, outcome),
		attribute.Int(AttrCandidateCount, candidateCount),
	}
}

// RouteAttributes returns the attributes describing a routing collaborator call.
func RouteAttributes(fallback bool, distanceMeters float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(AttrRouteFallback, fallback),
		attribute.Float64(AttrRouteDistanceM, distanceMeters),
	}
}

// DeviceAttributes returns the attributes describing a device channel send.
func DeviceAttributes(vehicleID, topic string, queued, droppedOldest bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrVehicleID, vehicleID),
		attribute.String(AttrDeviceTopic, topic),
		attribute.Bool(AttrDeviceQueued, queued),
		attribute.Bool(AttrDeviceDropped, droppedOldest),
	}
}
