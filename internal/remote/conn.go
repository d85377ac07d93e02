// internal/remote/conn.go
package remote

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/credentials/oauth"
)

// ErrTokenWithoutTLS is returned when a bearer token is configured for a
// plaintext connection.
var ErrTokenWithoutTLS = errors.New("remote: bearer token requires tls")

// Endpoint describes how to reach one remote service.
type Endpoint struct {
	Address     string
	TLS         bool
	CAFile      string
	Token       string
	DialTimeout time.Duration
}

// Dial opens a client connection to ep and waits until it is ready or
// the dial timeout elapses.
func Dial(ctx context.Context, ep Endpoint, md *Metadata, logger *zap.Logger, extra ...grpc.DialOption) (*grpc.ClientConn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	address := strings.TrimPrefix(strings.TrimPrefix(ep.Address, "grpc://"), "grpcs://")
	if address == "" {
		return nil, errors.New("remote: empty address")
	}

	opts, err := dialOptions(ep, md)
	if err != nil {
		return nil, err
	}
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("remote: dial %s: %w", address, err)
	}

	if ep.DialTimeout > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, ep.DialTimeout)
		defer cancel()
		if err := waitReady(waitCtx, conn); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("remote: connect %s: %w", address, err)
		}
	}

	logger.Info("connected to remote endpoint",
		zap.String("address", address),
		zap.Bool("tls", ep.TLS))
	return conn, nil
}

func dialOptions(ep Endpoint, md *Metadata) ([]grpc.DialOption, error) {
	var opts []grpc.DialOption

	if ep.TLS {
		tlsConfig, err := loadTLSConfig(ep.CAFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	if ep.Token != "" {
		if !ep.TLS {
			return nil, ErrTokenWithoutTLS
		}
		source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: ep.Token, TokenType: "Bearer"})
		opts = append(opts, grpc.WithPerRPCCredentials(oauth.TokenSource{TokenSource: source}))
	}

	if md != nil {
		opts = append(opts,
			grpc.WithChainUnaryInterceptor(md.UnaryClientInterceptor()),
			grpc.WithChainStreamInterceptor(md.StreamClientInterceptor()))
	}
	return opts, nil
}

func loadTLSConfig(caFile string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("remote: read ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("remote: no certificates in %s", caFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// ReadToken loads a bearer token from path, trimming surrounding space.
func ReadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("remote: read token: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
