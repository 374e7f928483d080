package grpc

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapgrpc"
	"google.golang.org/grpc/grpclog"
)

// SetupLogging routes grpc-go's internal logging through zap. It must run
// before any other gRPC call. The returned logger should be synced on exit.
func SetupLogging(environment string) (*zap.Logger, error) {
	var (
		zl  *zap.Logger
		err error
	)
	if environment == "production" {
		zl, err = zap.NewProduction()
	} else {
		zl, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, err
	}

	grpclog.SetLoggerV2(zapgrpc.NewLogger(zl.Named("grpc")))
	return zl, nil
}
