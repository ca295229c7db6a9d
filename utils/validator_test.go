package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleInput struct {
	Email string `validate:"required,mailbox"`
	Phone string `validate:"omitempty,phone"`
	Theme string `validate:"max=5"`
}

func TestValidateStruct(t *testing.T) {
	assert.NoError(t, ValidateStruct(sampleInput{Email: "a@b.com", Phone: "+14155552671"}))

	err := ValidateStruct(sampleInput{Email: "", Theme: "toolong"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "email is required")
	assert.Contains(t, err.Error(), "theme must be at most 5 characters")

	err = ValidateStruct(sampleInput{Email: "not-an-email", Phone: "12"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "email must be a valid email")
	assert.Contains(t, err.Error(), "phone must be a valid phone number")
}

func TestNormalizePhone(t *testing.T) {
	got, err := NormalizePhone(" +1 415-555-2671 ")
	require.NoError(t, err)
	assert.Equal(t, "+14155552671", got)

	_, err = NormalizePhone("")
	assert.Error(t, err)

	_, err = NormalizePhone("abc")
	assert.Error(t, err)
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "a@b.com", NormalizeEmail("  A@B.Com "))
}
