package catalog

import (
	"github.com/smallbiznis/revrec/internal/catalog/repository"
	"github.com/smallbiznis/revrec/internal/catalog/service"
	"go.uber.org/fx"
)

var Module = fx.Module("catalog.service",
	fx.Provide(repository.NewStore),
	fx.Provide(service.NewService),
)
