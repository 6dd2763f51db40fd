package credential

import (
	"context"
	"encoding/hex"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cuongbtq/dispatch-worker/internal/worker/domain"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKeyHex = strings.Repeat("ab", 32)

func newTestProvider(t *testing.T) (*Provider, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	p, err := NewProvider(sqlx.NewDb(db, "postgres"), testKeyHex, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	return p, mock
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{name: "hex key", key: testKeyHex},
		{name: "base64 key", key: "q6urq6urq6urq6urq6urq6urq6urq6urq6urq6urq6s="},
		{name: "empty key", key: "", wantErr: true},
		{name: "short key", key: "abcd", wantErr: true},
		{name: "garbage", key: "not a key!", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := ParseKey(tt.key)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, key, 32)
		})
	}
}

func TestSealOpen(t *testing.T) {
	key, err := hex.DecodeString(testKeyHex)
	require.NoError(t, err)

	sealed, err := Seal(key, []byte(`{"api_key":"k"}`))
	require.NoError(t, err)

	plain, err := Open(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, `{"api_key":"k"}`, string(plain))

	sealed[len(sealed)-1] ^= 0xff
	_, err = Open(key, sealed)
	assert.Error(t, err)

	_, err = Open(key, []byte("short"))
	assert.Error(t, err)
}

func TestProvider_ResolveCredential(t *testing.T) {
	key, err := hex.DecodeString(testKeyHex)
	require.NoError(t, err)

	t.Run("known credential", func(t *testing.T) {
		p, mock := newTestProvider(t)

		sealed, err := Seal(key, []byte(`{"account_sid":"AC1","auth_token":"tok","from":"+1555","max_per_second":5}`))
		require.NoError(t, err)

		mock.ExpectQuery(regexp.QuoteMeta("SELECT ciphertext FROM credentials WHERE name = $1")).
			WithArgs("tenant-a").
			WillReturnRows(sqlmock.NewRows([]string{"ciphertext"}).AddRow(sealed))

		bundle, err := p.ResolveCredential(context.Background(), "tenant-a")
		require.NoError(t, err)

		assert.Equal(t, "tenant-a", bundle.Name)
		assert.Equal(t, "AC1", bundle.AccountSID)
		assert.Equal(t, "tok", bundle.AuthToken)
		assert.Equal(t, 5, bundle.MaxPerSecond)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown credential", func(t *testing.T) {
		p, mock := newTestProvider(t)

		mock.ExpectQuery(regexp.QuoteMeta("SELECT ciphertext FROM credentials WHERE name = $1")).
			WithArgs("missing").
			WillReturnRows(sqlmock.NewRows([]string{"ciphertext"}))

		bundle, err := p.ResolveCredential(context.Background(), "missing")
		require.Error(t, err)
		assert.Nil(t, bundle)
		assert.ErrorIs(t, err, domain.ErrCredentialNotFound)
	})

	t.Run("tampered ciphertext", func(t *testing.T) {
		p, mock := newTestProvider(t)

		sealed, err := Seal(key, []byte(`{}`))
		require.NoError(t, err)
		sealed[0] ^= 0xff

		mock.ExpectQuery(regexp.QuoteMeta("SELECT ciphertext FROM credentials WHERE name = $1")).
			WithArgs("tenant-b").
			WillReturnRows(sqlmock.NewRows([]string{"ciphertext"}).AddRow(sealed))

		_, err = p.ResolveCredential(context.Background(), "tenant-b")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to decrypt credential")
	})
}
