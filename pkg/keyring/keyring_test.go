package keyring_test

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/covault/covaultd/pkg/keyring"
	"github.com/stretchr/testify/require"
)

func TestConvertExtendedKey(t *testing.T) {
	kr := keyring.New(&chaincfg.MainNetParams)
	generated, err := kr.GenerateKey()
	require.NoError(t, err)
	require.NotNil(t, generated)

	t.Run("round trip preserves key material", func(t *testing.T) {
		asXpub, err := keyring.ConvertExtendedKey(generated.ExtendedPublicKey, "xpub")
		require.NoError(t, err)
		require.Equal(t, "xpub", asXpub[:4])

		back, err := keyring.ConvertExtendedKey(asXpub, "Zpub")
		require.NoError(t, err)
		require.Equal(t, generated.ExtendedPublicKey, back)
	})

	t.Run("raw payload is 78 bytes", func(t *testing.T) {
		raw, err := keyring.RawExtendedKey(generated.ExtendedPublicKey)
		require.NoError(t, err)
		require.Len(t, raw, 78)
	})

	t.Run("fails with unknown prefix", func(t *testing.T) {
		_, err := keyring.ConvertExtendedKey(generated.ExtendedPublicKey, "abcd")
		require.Error(t, err)
	})

	t.Run("fails with corrupted key", func(t *testing.T) {
		corrupted := generated.ExtendedPublicKey[:len(generated.ExtendedPublicKey)-1] + "1"
		_, err := keyring.ConvertExtendedKey(corrupted, "xpub")
		require.Error(t, err)
	})
}

func TestGenerateKey(t *testing.T) {
	tests := []struct {
		name      string
		params    *chaincfg.Params
		prvPrefix string
		pubPrefix string
		path      string
	}{
		{"mainnet", &chaincfg.MainNetParams, "Zprv", "Zpub", "m/48'/0'/0'/2'"},
		{"testnet", &chaincfg.TestNet3Params, "Vprv", "Vpub", "m/48'/1'/0'/2'"},
		{"regtest", &chaincfg.RegressionNetParams, "tprv", "tpub", "m/48'/1'/0'/2'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kr := keyring.New(tt.params)
			generated, err := kr.GenerateKey()
			require.NoError(t, err)
			require.Equal(t, tt.prvPrefix, generated.ExtendedPrivateKey[:4])
			require.Equal(t, tt.pubPrefix, generated.ExtendedPublicKey[:4])
			require.Equal(t, tt.path, generated.DerivationPath)
			require.Len(t, generated.MasterFingerprint, 8)

			derived, err := kr.DeriveAccountPublicKey(generated.ExtendedPrivateKey, 0)
			require.NoError(t, err)
			require.Equal(t, generated.ExtendedPublicKey, derived)
		})
	}
}

func TestNewMultisigAddress(t *testing.T) {
	kr := keyring.New(&chaincfg.RegressionNetParams)

	accountKeys := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		generated, err := kr.GenerateKey()
		require.NoError(t, err)
		accountKeys = append(accountKeys, generated.ExtendedPublicKey)
	}

	addr, err := kr.NewMultisigAddress(accountKeys, 0, false)
	require.NoError(t, err)
	require.NotEmpty(t, addr)
	require.Equal(t, "bcrt1", addr[:5])

	t.Run("invariant under key ordering", func(t *testing.T) {
		permuted := []string{accountKeys[2], accountKeys[0], accountKeys[1]}
		got, err := kr.NewMultisigAddress(permuted, 0, false)
		require.NoError(t, err)
		require.Equal(t, addr, got)
	})

	t.Run("distinct per index and branch", func(t *testing.T) {
		next, err := kr.NewMultisigAddress(accountKeys, 1, false)
		require.NoError(t, err)
		require.NotEqual(t, addr, next)

		change, err := kr.NewMultisigAddress(accountKeys, 0, true)
		require.NoError(t, err)
		require.NotEqual(t, addr, change)
	})

	t.Run("fails with wrong key count", func(t *testing.T) {
		_, err := kr.NewMultisigAddress(accountKeys[:2], 0, false)
		require.Error(t, err)
	})
}

func TestParsePath(t *testing.T) {
	indices, err := keyring.ParsePath("m/48'/1'/0'/2'")
	require.NoError(t, err)
	require.Equal(t, []uint32{
		48 + 0x80000000, 1 + 0x80000000, 0x80000000, 2 + 0x80000000,
	}, indices)

	indices, err = keyring.ParsePath("0/15")
	require.NoError(t, err)
	require.Equal(t, []uint32{0, 15}, indices)

	_, err = keyring.ParsePath("m/abc")
	require.Error(t, err)
}

func TestVerifyMessage(t *testing.T) {
	privKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pubkey := privKey.PubKey().SerializeCompressed()

	const message = "covault ownership proof"
	signature, err := keyring.SignMessage(privKey, message)
	require.NoError(t, err)

	ok, err := keyring.VerifyMessage(pubkey, message, signature)
	require.NoError(t, err)
	require.True(t, ok)

	t.Run("rejects wrong message", func(t *testing.T) {
		ok, err := keyring.VerifyMessage(pubkey, "another message", signature)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("rejects wrong key", func(t *testing.T) {
		other, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		ok, err := keyring.VerifyMessage(other.PubKey().SerializeCompressed(), message, signature)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("rejects malformed signature", func(t *testing.T) {
		_, err := keyring.VerifyMessage(pubkey, message, "not-base64!!")
		require.Error(t, err)
	})
}
