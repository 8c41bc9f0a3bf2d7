package cache

import (
	"time"

	"go.uber.org/fx"
)

const tenantListKey = "tenants"

// TenantCache stores the discovered tenant list between reconciliation cycles.
// Tenant lists change rarely, so brief staleness is acceptable.
type TenantCache interface {
	Get() ([]string, bool)
	Set(tenants []string, ttl time.Duration)
	Invalidate()
}

type tenantCache struct {
	inner Cache[string, []string]
}

// NewTenantCache returns an in-memory tenant discovery cache.
func NewTenantCache() TenantCache {
	return &tenantCache{inner: NewTTLCache[string, []string]()}
}

func (c *tenantCache) Get() ([]string, bool) {
	return c.inner.Get(tenantListKey)
}

func (c *tenantCache) Set(tenants []string, ttl time.Duration) {
	if len(tenants) == 0 {
		return
	}
	c.inner.Set(tenantListKey, tenants, ttl)
}

func (c *tenantCache) Invalidate() {
	c.inner.Delete(tenantListKey)
}

// Module provides the tenant cache.
var Module = fx.Provide(NewTenantCache)
