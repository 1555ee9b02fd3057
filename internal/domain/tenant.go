package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Reserved default values for each level of the addressing triple. A fully
// default address resolves to the global configuration.
const (
	DefaultConnectionURIDomain = ""
	DefaultAppID               = "public"
	DefaultTenantID            = "public"
)

// Cookie same-site policies.
const (
	SameSiteLax    = "lax"
	SameSiteStrict = "strict"
	SameSiteNone   = "none"
)

// Compiled-in configuration defaults.
const (
	DefaultAccessTokenValidity  = time.Hour
	DefaultRefreshTokenValidity = 100 * 24 * time.Hour
	DefaultUnauthorizedStatus   = 401
)

var (
	ErrInvalidConfig  = errors.New("domain: invalid tenant config")
	ErrInvalidAddress = errors.New("domain: invalid tenant address")
)

// EntityKind names a level of the tenant hierarchy.
type EntityKind string

const (
	EntityConnectionURIDomain EntityKind = "connection-uri-domain"
	EntityApp                 EntityKind = "app"
	EntityTenant              EntityKind = "tenant"
)

// TenantAddress is the three-part identifier every operation is scoped to.
// Specificity order: tenant > app > connection URI domain > global default.
type TenantAddress struct {
	ConnectionURIDomain string
	AppID               string
	TenantID            string
}

// DefaultAddress returns the fully-default address.
func DefaultAddress() TenantAddress {
	return TenantAddress{
		ConnectionURIDomain: DefaultConnectionURIDomain,
		AppID:               DefaultAppID,
		TenantID:            DefaultTenantID,
	}
}

// Normalize lowercases all parts and substitutes the reserved defaults for
// empty app and tenant ids.
func (a TenantAddress) Normalize() TenantAddress {
	n := TenantAddress{
		ConnectionURIDomain: strings.ToLower(strings.TrimSpace(a.ConnectionURIDomain)),
		AppID:               strings.ToLower(strings.TrimSpace(a.AppID)),
		TenantID:            strings.ToLower(strings.TrimSpace(a.TenantID)),
	}
	if n.AppID == "" {
		n.AppID = DefaultAppID
	}
	if n.TenantID == "" {
		n.TenantID = DefaultTenantID
	}
	return n
}

// IsDefault reports whether all three parts are the reserved defaults.
func (a TenantAddress) IsDefault() bool {
	return a.ConnectionURIDomain == DefaultConnectionURIDomain &&
		a.AppID == DefaultAppID &&
		a.TenantID == DefaultTenantID
}

// AppAddress returns the app-level address (tenant part set to default).
func (a TenantAddress) AppAddress() TenantAddress {
	a.TenantID = DefaultTenantID
	return a
}

// DomainAddress returns the domain-level address (app and tenant parts
// set to defaults).
func (a TenantAddress) DomainAddress() TenantAddress {
	a.AppID = DefaultAppID
	a.TenantID = DefaultTenantID
	return a
}

// Kind reports the most specific non-default level of the address.
func (a TenantAddress) Kind() EntityKind {
	switch {
	case a.TenantID != DefaultTenantID:
		return EntityTenant
	case a.AppID != DefaultAppID:
		return EntityApp
	default:
		return EntityConnectionURIDomain
	}
}

// Key returns a stable string form usable as a cache or storage key.
func (a TenantAddress) Key() string {
	return a.ConnectionURIDomain + "|" + a.AppID + "|" + a.TenantID
}

func (a TenantAddress) String() string {
	return fmt.Sprintf("(%q, %q, %q)", a.ConnectionURIDomain, a.AppID, a.TenantID)
}

// TenantOverride holds the fields explicitly set at one level of the
// hierarchy. Nil means "unset, fall through to the next-less-specific
// level". One pointer per field keeps the unset representation explicit.
type TenantOverride struct {
	AccessTokenValidity     *time.Duration
	RefreshTokenValidity    *time.Duration
	AccessTokenBlacklisting *bool
	EnableAntiCSRF          *bool
	CookieDomain            *string
	CookieSecure            *bool
	CookieSameSite          *string
	UnauthorizedStatusCode  *int
	EnabledLoginMethods     *[]string
}

// IsEmpty reports whether the override sets no fields at all.
func (o TenantOverride) IsEmpty() bool {
	return o.AccessTokenValidity == nil &&
		o.RefreshTokenValidity == nil &&
		o.AccessTokenBlacklisting == nil &&
		o.EnableAntiCSRF == nil &&
		o.CookieDomain == nil &&
		o.CookieSecure == nil &&
		o.CookieSameSite == nil &&
		o.UnauthorizedStatusCode == nil &&
		o.EnabledLoginMethods == nil
}

// TenantOverrideRecord is a stored override together with the address it
// applies at.
type TenantOverrideRecord struct {
	Address   TenantAddress
	Override  TenantOverride
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TenantConfig is a fully-resolved configuration. Every field is concrete;
// resolution guarantees exactly one config per address at any instant.
type TenantConfig struct {
	AccessTokenValidity     time.Duration
	RefreshTokenValidity    time.Duration
	AccessTokenBlacklisting bool
	EnableAntiCSRF          bool
	CookieDomain            string
	CookieSecure            bool
	CookieSameSite          string
	UnauthorizedStatusCode  int

	// EnabledLoginMethods is the set of identity methods allowed for the
	// tenant. Nil means all methods; the core treats entries as opaque.
	EnabledLoginMethods []string
}

// DefaultTenantConfig returns the compiled-in global defaults.
func DefaultTenantConfig() TenantConfig {
	return TenantConfig{
		AccessTokenValidity:     DefaultAccessTokenValidity,
		RefreshTokenValidity:    DefaultRefreshTokenValidity,
		AccessTokenBlacklisting: false,
		EnableAntiCSRF:          false,
		CookieDomain:            "",
		CookieSecure:            false,
		CookieSameSite:          SameSiteLax,
		UnauthorizedStatusCode:  DefaultUnauthorizedStatus,
		EnabledLoginMethods:     nil,
	}
}

// Apply overlays the explicitly-set fields of an override onto the config.
func (c TenantConfig) Apply(o TenantOverride) TenantConfig {
	if o.AccessTokenValidity != nil {
		c.AccessTokenValidity = *o.AccessTokenValidity
	}
	if o.RefreshTokenValidity != nil {
		c.RefreshTokenValidity = *o.RefreshTokenValidity
	}
	if o.AccessTokenBlacklisting != nil {
		c.AccessTokenBlacklisting = *o.AccessTokenBlacklisting
	}
	if o.EnableAntiCSRF != nil {
		c.EnableAntiCSRF = *o.EnableAntiCSRF
	}
	if o.CookieDomain != nil {
		c.CookieDomain = *o.CookieDomain
	}
	if o.CookieSecure != nil {
		c.CookieSecure = *o.CookieSecure
	}
	if o.CookieSameSite != nil {
		c.CookieSameSite = strings.ToLower(*o.CookieSameSite)
	}
	if o.UnauthorizedStatusCode != nil {
		c.UnauthorizedStatusCode = *o.UnauthorizedStatusCode
	}
	if o.EnabledLoginMethods != nil {
		methods := make([]string, len(*o.EnabledLoginMethods))
		copy(methods, *o.EnabledLoginMethods)
		c.EnabledLoginMethods = methods
	}
	return c
}

// AntiCSRFRequired reports whether verification must check the anti-CSRF
// token. Mandatory when cookies are usable cross-site.
func (c TenantConfig) AntiCSRFRequired() bool {
	return c.EnableAntiCSRF || c.CookieSameSite == SameSiteNone
}

// Validate rejects structurally invalid configurations. Misconfiguration is
// a deployment error, caught when the config is written, never at session
// time.
func (c TenantConfig) Validate() error {
	if c.AccessTokenValidity <= 0 {
		return fmt.Errorf("%w: access token validity must be positive", ErrInvalidConfig)
	}
	if c.RefreshTokenValidity <= c.AccessTokenValidity {
		return fmt.Errorf("%w: refresh token validity must be strictly greater than access token validity", ErrInvalidConfig)
	}
	switch c.CookieSameSite {
	case SameSiteLax, SameSiteStrict, SameSiteNone:
	default:
		return fmt.Errorf("%w: cookie same-site must be one of %q, %q, %q", ErrInvalidConfig, SameSiteLax, SameSiteStrict, SameSiteNone)
	}
	if c.CookieSameSite == SameSiteNone && !c.EnableAntiCSRF {
		return fmt.Errorf("%w: anti-CSRF must be enabled when cookie same-site is %q", ErrInvalidConfig, SameSiteNone)
	}
	if c.UnauthorizedStatusCode < 100 || c.UnauthorizedStatusCode > 599 {
		return fmt.Errorf("%w: unauthorized status code %d out of range", ErrInvalidConfig, c.UnauthorizedStatusCode)
	}
	return nil
}
