// internal/remote/ready.go
package remote

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
)

func waitReady(ctx context.Context, conn *grpc.ClientConn) error {
	conn.Connect()
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			return nil
		}
		if state == connectivity.Shutdown {
			return grpc.ErrClientConnClosing
		}
		if !conn.WaitForStateChange(ctx, state) {
			return ctx.Err()
		}
	}
}
