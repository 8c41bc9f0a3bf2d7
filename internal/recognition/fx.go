package recognition

import (
	"github.com/smallbiznis/revrec/internal/recognition/service"
	"go.uber.org/fx"
)

var Module = fx.Module("recognition.service",
	fx.Provide(service.NewService),
)
