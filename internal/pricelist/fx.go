package pricelist

import (
	pricelistdomain "github.com/smallbiznis/invoicecore/internal/pricelist/domain"
	"github.com/smallbiznis/invoicecore/internal/pricelist/repository"
	"github.com/smallbiznis/invoicecore/internal/pricelist/service"
	"go.uber.org/fx"
)

var Module = fx.Module("pricelist.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Provide(
		func(s *service.Service) pricelistdomain.Service { return s },
		func(s *service.Service) pricelistdomain.CatalogReader { return s },
	),
)
