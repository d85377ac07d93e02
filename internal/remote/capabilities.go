// internal/remote/capabilities.go
package remote

import (
	"context"
	"fmt"
	"slices"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/grpc"

	"github.com/FairForge/rebel/internal/digest"
)

// Capabilities is the subset of ServerCapabilities this client acts on.
type Capabilities struct {
	MaxBatchTotalSizeBytes int64
	SupportsZstd           bool
	SupportsSHA256         bool
	ExecutionEnabled       bool
}

// ProbeCapabilities asks the server what it supports.
func ProbeCapabilities(ctx context.Context, conn grpc.ClientConnInterface, instanceName string) (Capabilities, error) {
	client := repb.NewCapabilitiesClient(conn)
	resp, err := client.GetCapabilities(ctx, &repb.GetCapabilitiesRequest{InstanceName: instanceName})
	if err != nil {
		return Capabilities{}, fmt.Errorf("remote: get capabilities: %w", err)
	}
	return capabilitiesFromProto(resp), nil
}

func capabilitiesFromProto(resp *repb.ServerCapabilities) Capabilities {
	var caps Capabilities

	if cc := resp.GetCacheCapabilities(); cc != nil {
		caps.MaxBatchTotalSizeBytes = cc.GetMaxBatchTotalSizeBytes()
		caps.SupportsZstd = slices.Contains(cc.GetSupportedBatchUpdateCompressors(), repb.Compressor_ZSTD) &&
			slices.Contains(cc.GetSupportedCompressors(), repb.Compressor_ZSTD)
		caps.SupportsSHA256 = slices.Contains(cc.GetDigestFunctions(), digest.Function)
	}

	if ec := resp.GetExecutionCapabilities(); ec != nil {
		caps.ExecutionEnabled = ec.GetExecEnabled()
		if ec.GetDigestFunction() == digest.Function || slices.Contains(ec.GetDigestFunctions(), digest.Function) {
			caps.SupportsSHA256 = true
		}
	}

	return caps
}
