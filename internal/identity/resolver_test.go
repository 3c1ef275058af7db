package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/types"

	"lexbridge/internal/apperr"
)

type mockChecker struct {
	mock.Mock
}

func (m *mockChecker) IsOnWhatsApp(ctx context.Context, phones []string) ([]types.IsOnWhatsAppResponse, error) {
	args := m.Called(ctx, phones)
	if resp := args.Get(0); resp != nil {
		return resp.([]types.IsOnWhatsAppResponse), args.Error(1)
	}
	return nil, args.Error(1)
}

func present(phone string) []types.IsOnWhatsAppResponse {
	return []types.IsOnWhatsAppResponse{{Query: "+" + phone, JID: types.NewJID(phone, types.DefaultUserServer), IsIn: true}}
}

func absent(phone string) []types.IsOnWhatsAppResponse {
	return []types.IsOnWhatsAppResponse{{Query: "+" + phone, IsIn: false}}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"formatted national mobile", "(31) 99999-0000", "5531999990000"},
		{"national landline", "3133334444", "553133334444"},
		{"already international", "+55 31 99999-0000", "5531999990000"},
		{"leading trunk zero", "031999990000", "5531999990000"},
		{"eleven digits read as national", "14155550100", "5514155550100"},
		{"empty", "abc", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.raw, "55"))
		})
	}
}

func TestAlternateForms(t *testing.T) {
	assert.Equal(t, []string{"553199990000"}, AlternateForms("5531999990000"))
	assert.Equal(t, []string{"5531999990000"}, AlternateForms("553199990000"))
	assert.Nil(t, AlternateForms("5531899990000"))
	assert.Nil(t, AlternateForms("14155550100"))
}

func TestResolvePassesQualifiedIdentities(t *testing.T) {
	checker := new(mockChecker)
	r := NewResolver(checker, "55", time.Hour)

	jid, err := r.Resolve(context.Background(), "120363000000000000@g.us")
	require.NoError(t, err)
	assert.Equal(t, types.GroupServer, jid.Server)

	jid, err = r.Resolve(context.Background(), "5531999990000@c.us")
	require.NoError(t, err)
	assert.Equal(t, types.DefaultUserServer, jid.Server)

	checker.AssertNotCalled(t, "IsOnWhatsApp", mock.Anything, mock.Anything)
}

func TestResolveVerifiesAndCaches(t *testing.T) {
	checker := new(mockChecker)
	checker.On("IsOnWhatsApp", mock.Anything, []string{"+5531999990000"}).Return(present("5531999990000"), nil).Once()
	r := NewResolver(checker, "55", time.Hour)

	for i := 0; i < 2; i++ {
		jid, err := r.Resolve(context.Background(), "31 99999-0000")
		require.NoError(t, err)
		assert.Equal(t, "5531999990000", jid.User)
	}
	checker.AssertNumberOfCalls(t, "IsOnWhatsApp", 1)
}

func TestResolveFallsBackToAlternateForm(t *testing.T) {
	checker := new(mockChecker)
	checker.On("IsOnWhatsApp", mock.Anything, []string{"+5531999990000"}).Return(absent("5531999990000"), nil)
	checker.On("IsOnWhatsApp", mock.Anything, []string{"+553199990000"}).Return(present("553199990000"), nil)
	r := NewResolver(checker, "55", time.Hour)

	jid, err := r.Resolve(context.Background(), "5531999990000")
	require.NoError(t, err)
	assert.Equal(t, "553199990000", jid.User)
	checker.AssertExpectations(t)
}

func TestResolveBestGuessWhenUnverified(t *testing.T) {
	checker := new(mockChecker)
	checker.On("IsOnWhatsApp", mock.Anything, mock.Anything).Return(nil, errors.New("socket closed"))
	r := NewResolver(checker, "55", time.Hour)

	jid, err := r.Resolve(context.Background(), "5531999990000")
	require.NoError(t, err)
	assert.Equal(t, types.NewJID("5531999990000", types.DefaultUserServer), jid)
	checker.AssertNumberOfCalls(t, "IsOnWhatsApp", 2)
}

func TestResolveWithoutPhone(t *testing.T) {
	r := NewResolver(new(mockChecker), "55", time.Hour)

	_, err := r.Resolve(context.Background(), "  ")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeNoPhone, apperr.CodeOf(err))
}
