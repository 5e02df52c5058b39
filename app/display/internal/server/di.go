package server

import (
	"github.com/google/wire"

	"github.com/iWorld-y/estate_radar/app/display/internal/repo"
	"github.com/iWorld-y/estate_radar/app/display/internal/service"
	"github.com/iWorld-y/estate_radar/app/display/internal/usecase"
	"github.com/iWorld-y/estate_radar/app/estate_radar/pkg/radar"
)

// ProviderSet 是展示服务的依赖注入 Provider 集合
var ProviderSet = wire.NewSet(
	// Server providers
	NewHTTPServer,

	// Data providers
	NewRadar,
	wire.Bind(new(repo.RadarRepo), new(*radar.Radar)),

	// UseCase providers
	usecase.NewRadarUseCase,

	// Service providers
	service.NewRadarService,
)
