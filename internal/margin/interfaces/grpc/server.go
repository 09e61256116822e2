// Package grpc 保证金引擎的 gRPC 出口，目前只提供健康检查与反射
package grpc

import (
	"log/slog"

	"github.com/wyfcoding/marginengine/pkg/middleware"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName 健康检查中登记的服务名
const ServiceName = "margin.v1.MarginEngine"

// NewServer 创建带日志与恢复拦截器的 gRPC 服务，返回的 health.Server 用于在下线前置为 NOT_SERVING
func NewServer(log *slog.Logger) (*grpc.Server, *health.Server) {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		middleware.GRPCRecovery(log),
		middleware.GRPCLogging(log),
	))
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)
	return srv, hs
}
