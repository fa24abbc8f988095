package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dmitrijs2005/keydir/internal/common"
)

type sample struct {
	Address string `validate:"required,email"`
	Pubkey  string `validate:"required"`
}

func TestStruct(t *testing.T) {
	assert.NoError(t, Struct(sample{Address: "lloyd@nowhe.re", Pubkey: "k"}))

	err := Struct(sample{Address: "not-an-email"})
	assert.ErrorIs(t, err, common.ErrorValidation)
	assert.Contains(t, err.Error(), "field 'Address' failed 'email'")
	assert.Contains(t, err.Error(), "field 'Pubkey' failed 'required'")
}

func TestStruct_NonStruct(t *testing.T) {
	assert.ErrorIs(t, Struct("nope"), common.ErrorValidation)
}
