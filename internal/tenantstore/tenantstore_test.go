package tenantstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"companiond/internal/domain"
)

func TestRESTAuth_AcceptsRegisteredKeyRejectsOthers(t *testing.T) {
	t.Parallel()
	s := New()
	s.RegisterTenant("acme", "secret-key", 20)
	auth := RESTAuth{s}

	assert.True(t, auth.Authenticate("secret-key", "acme"))
	assert.False(t, auth.Authenticate("wrong-key", "acme"))
	assert.False(t, auth.Authenticate("secret-key", "unknown-tenant"))
}

func TestWSAuth_IgnoresPlayerArgumentButAuthenticatesTenant(t *testing.T) {
	t.Parallel()
	s := New()
	s.RegisterTenant("acme", "secret-key", 20)
	auth := WSAuth{s}

	assert.True(t, auth.Authenticate("secret-key", "acme", "any-player"))
	assert.False(t, auth.Authenticate("wrong-key", "acme", "any-player"))
}

func TestStore_TenantActive_DefaultsTrueOnRegisterFalseWhenUnknown(t *testing.T) {
	t.Parallel()
	s := New()
	assert.False(t, s.TenantActive("unregistered-tenant"))

	s.RegisterTenant("acme", "key", 20)
	assert.True(t, s.TenantActive("acme"))
}

func TestStore_SetTenantActive_Suspension(t *testing.T) {
	t.Parallel()
	s := New()
	s.RegisterTenant("acme", "key", 20)
	require.True(t, s.TenantActive("acme"))

	s.SetTenantActive("acme", false)
	assert.False(t, s.TenantActive("acme"))

	s.SetTenantActive("acme", true)
	assert.True(t, s.TenantActive("acme"))
}

func TestWSAuth_Active_DelegatesToStore(t *testing.T) {
	t.Parallel()
	s := New()
	s.RegisterTenant("acme", "secret-key", 20)
	auth := WSAuth{s}

	assert.True(t, auth.Active("acme"))
	s.SetTenantActive("acme", false)
	assert.False(t, auth.Active("acme"))
}

func TestStore_DailyCeilingUSD_FallsBackToPlatformDefault(t *testing.T) {
	t.Parallel()
	s := New()
	assert.Equal(t, 15.0, s.DailyCeilingUSD("unregistered-tenant"))

	s.RegisterTenant("acme", "key", 0)
	assert.Equal(t, 15.0, s.DailyCeilingUSD("acme"), "a zero ceiling must still fall back to the platform default")

	s.RegisterTenant("acme2", "key", 50)
	assert.Equal(t, 50.0, s.DailyCeilingUSD("acme2"))
}

func TestStore_PersonaAndLanguage_FallBackWhenUnset(t *testing.T) {
	t.Parallel()
	s := New()
	assert.Equal(t, domain.PersonaCheerful, s.Persona("acme", "p1"))
	assert.Equal(t, domain.LanguageEN, s.Language("acme", "p1"))

	s.SetPlayerPrefs("acme", "p1", domain.PersonaCool, domain.LanguageJA)
	assert.Equal(t, domain.PersonaCool, s.Persona("acme", "p1"))
	assert.Equal(t, domain.LanguageJA, s.Language("acme", "p1"))

	// A different player in the same tenant is unaffected.
	assert.Equal(t, domain.PersonaCheerful, s.Persona("acme", "p2"))
}
