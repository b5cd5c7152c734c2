package queuebridge

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/smallbiznis/tenantroute/internal/reqctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTripPreservesEveryClaim(t *testing.T) {
	companyID := uuid.New()
	branchID := uuid.New()
	rc := reqctx.RequestContext{
		CompanyID:    &companyID,
		BranchID:     &branchID,
		UserID:       uuid.New(),
		ActorType:    reqctx.ActorMobile,
		IsSuperAdmin: true,
		RoleName:     "driver",
		Permissions:  []string{"mission.read", "vehicle.read"},
	}

	env := envelopeFrom(rc.Snapshot())
	rebuilt := env.requestContext()

	assert.Equal(t, rc.CompanyID, rebuilt.CompanyID)
	assert.Equal(t, rc.BranchID, rebuilt.BranchID)
	assert.Equal(t, rc.UserID, rebuilt.UserID)
	assert.Equal(t, rc.ActorType, rebuilt.ActorType)
	assert.Equal(t, rc.IsSuperAdmin, rebuilt.IsSuperAdmin)
	assert.Equal(t, rc.RoleName, rebuilt.RoleName)
	assert.Equal(t, rc.Permissions, rebuilt.Permissions)
}

func TestEnvelopeNeverCarriesADBHandle(t *testing.T) {
	// Snapshot strips the transaction handle before it ever reaches
	// envelopeFrom; the envelope type itself has no field to carry one.
	rc := reqctx.RequestContext{UserID: uuid.New()}
	env := envelopeFrom(rc.Snapshot())

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	_, hasDB := decoded["db"]
	assert.False(t, hasDB)
}

func TestEnvelopeJSONRoundTripThroughWire(t *testing.T) {
	companyID := uuid.New()
	rc := reqctx.RequestContext{
		CompanyID: &companyID,
		UserID:    uuid.New(),
		ActorType: reqctx.ActorWeb,
		RoleName:  "companyAdmin",
	}
	env := envelopeFrom(rc)

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(raw, &decoded))

	rebuilt := decoded.requestContext()
	assert.Equal(t, rc.CompanyID, rebuilt.CompanyID)
	assert.Equal(t, rc.UserID, rebuilt.UserID)
	assert.Equal(t, rc.ActorType, rebuilt.ActorType)
	assert.Equal(t, rc.RoleName, rebuilt.RoleName)
}

func TestEnvelopeOmitsAbsentBranchAndCompany(t *testing.T) {
	rc := reqctx.RequestContext{UserID: uuid.New(), ActorType: reqctx.ActorMobile}
	env := envelopeFrom(rc)

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	_, hasCompany := decoded["companyId"]
	_, hasBranch := decoded["branchId"]
	assert.False(t, hasCompany)
	assert.False(t, hasBranch)
}
