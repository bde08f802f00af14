// Package telemetry holds metric names, typed labels and the sinks used by
// splitgate processes.
package telemetry

import (
	"log/slog"
	"strconv"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricUplinkInBytes       = []string{"splitgate", "uplink", "in", "bytes"}
	MetricUplinkOutBytes      = []string{"splitgate", "uplink", "out", "bytes"}
	MetricUplinkErrorCount    = []string{"splitgate", "uplink", "error", "count"}
	MetricControlFrameIn      = []string{"splitgate", "control", "frame", "in", "count"}
	MetricControlFrameOut     = []string{"splitgate", "control", "frame", "out", "count"}
	MetricControllerCount     = []string{"splitgate", "controller", "count"}
	MetricControllerActivated = []string{"splitgate", "controller", "activated", "count"}
	MetricControllerRejected  = []string{"splitgate", "controller", "rejected", "count"}
	MetricControllerPromoted  = []string{"splitgate", "controller", "promoted", "count"}
	MetricControllerDisposed  = []string{"splitgate", "controller", "disposed", "count"}
	MetricProtocolViolations  = []string{"splitgate", "protocol", "violation", "count"}
	MetricClientAccepted      = []string{"splitgate", "client", "accepted", "count"}
	MetricClientThrottled     = []string{"splitgate", "client", "throttled", "count"}
	MetricClientCount         = []string{"splitgate", "client", "count"}
	MetricClientInBytes       = []string{"splitgate", "client", "in", "bytes"}
	MetricClientOutBytes      = []string{"splitgate", "client", "out", "bytes"}
	MetricClientAckBytes      = []string{"splitgate", "client", "ack", "bytes"}
	MetricClientBufferBytes   = []string{"splitgate", "client", "buffer", "bytes"}
	MetricClientReplayed      = []string{"splitgate", "client", "replayed", "count"}
	MetricClientClosed        = []string{"splitgate", "client", "closed", "count"}
	MetricCommitCount         = []string{"splitgate", "commit", "count"}
	MetricRollbackCount       = []string{"splitgate", "rollback", "count"}
	MetricBlockCount          = []string{"splitgate", "block", "count"}
	MetricHeartbeatAge        = []string{"splitgate", "heartbeat", "age", "ms"}
	MetricFloodConnections    = []string{"splitgate", "flood", "connections", "count"}
	MetricFloodBlocks         = []string{"splitgate", "flood", "blocks", "count"}
	MetricFloodErrors         = []string{"splitgate", "flood", "error", "count"}
)

type TelemetryLabel string

var (
	LabelError      TelemetryLabel = "error"
	LabelPeerAddr   TelemetryLabel = "peer_addr"
	LabelPort       TelemetryLabel = "port"
	LabelClientID   TelemetryLabel = "client_id"
	LabelController TelemetryLabel = "controller"
	LabelState      TelemetryLabel = "state"
	LabelRole       TelemetryLabel = "role"
	LabelReason     TelemetryLabel = "reason"
	LabelDuration   TelemetryLabel = "duration"
	LabelInstance   TelemetryLabel = "instance"
	LabelOpcode     TelemetryLabel = "opcode"
	LabelBytes      TelemetryLabel = "bytes"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// PortLabel is the metric label for a listening port.
func PortLabel(port uint16) metrics.Label {
	return LabelPort.M(strconv.Itoa(int(port)))
}

// With returns base extended with extra, never aliasing base.
func With(base []metrics.Label, extra ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(base)+len(extra))
	out = append(out, base...)
	return append(out, extra...)
}
