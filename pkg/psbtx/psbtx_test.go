package psbtx_test

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/covault/covaultd/pkg/keyring"
	"github.com/covault/covaultd/pkg/psbtx"
	"github.com/stretchr/testify/require"
)

const fundingTxID = "5df6e0e2761359d30a8275058e299fcc0381534545f55cf43e41983f5d4c9456"

type walletFixture struct {
	engine  *psbtx.Engine
	keyring *keyring.Keyring
	keys    []psbtx.AccountKey
	privs   []string
	prints  []string
}

func newWalletFixture(t *testing.T) *walletFixture {
	t.Helper()

	kr := keyring.New(&chaincfg.RegressionNetParams)
	fixture := &walletFixture{
		engine:  psbtx.NewEngine(&chaincfg.RegressionNetParams),
		keyring: kr,
	}
	for i := 0; i < 3; i++ {
		generated, err := kr.GenerateKey()
		require.NoError(t, err)
		fixture.keys = append(fixture.keys, psbtx.AccountKey{
			ExtendedPublicKey: generated.ExtendedPublicKey,
			MasterFingerprint: generated.MasterFingerprint,
		})
		fixture.privs = append(fixture.privs, generated.ExtendedPrivateKey)
		fixture.prints = append(fixture.prints, generated.MasterFingerprint)
	}
	return fixture
}

func (f *walletFixture) accountXpubs() []string {
	xpubs := make([]string, 0, len(f.keys))
	for _, key := range f.keys {
		xpubs = append(xpubs, key.ExtendedPublicKey)
	}
	return xpubs
}

func (f *walletFixture) buildRequest(t *testing.T, inputs int) psbtx.BuildRequest {
	t.Helper()

	recipient, err := f.keyring.NewMultisigAddress(f.accountXpubs(), 5, false)
	require.NoError(t, err)
	change, err := f.keyring.NewMultisigAddress(f.accountXpubs(), 0, true)
	require.NoError(t, err)

	req := psbtx.BuildRequest{
		Keys: f.keys,
		Outputs: []psbtx.Recipient{
			{Address: recipient, Amount: 80_000},
			{Address: change, Amount: 15_000, Change: true, Index: 0},
		},
	}
	for i := 0; i < inputs; i++ {
		req.Inputs = append(req.Inputs, psbtx.UTXO{
			TxID:  fundingTxID,
			Vout:  uint32(i),
			Value: 50_000,
			Index: uint32(i),
		})
	}
	return req
}

func TestBuildSignValidate(t *testing.T) {
	fixture := newWalletFixture(t)
	template, err := fixture.engine.Build(fixture.buildRequest(t, 2))
	require.NoError(t, err)

	signedByFirst, err := fixture.engine.Sign(template, fixture.privs[0])
	require.NoError(t, err)
	require.NotEqual(t, template, signedByFirst)

	t.Run("single signer is attributed", func(t *testing.T) {
		result, err := fixture.engine.Validate(template, "", signedByFirst)
		require.NoError(t, err)
		require.Equal(t, []string{fixture.prints[0]}, result.SignerFingerprints)
	})

	t.Run("second signature completes the quorum", func(t *testing.T) {
		signedByBoth, err := fixture.engine.Sign(signedByFirst, fixture.privs[1])
		require.NoError(t, err)

		result, err := fixture.engine.Validate(template, "", signedByBoth)
		require.NoError(t, err)
		require.Len(t, result.SignerFingerprints, 2)
		require.Contains(t, result.SignerFingerprints, fixture.prints[0])
		require.Contains(t, result.SignerFingerprints, fixture.prints[1])

		rawTx, txid, err := fixture.engine.ExtractTransaction(result.Packet)
		require.NoError(t, err)
		require.NotEmpty(t, rawTx)
		require.Len(t, txid, 64)
	})

	t.Run("signing twice with the same key is a no-op quorum-wise", func(t *testing.T) {
		_, err := fixture.engine.Sign(signedByFirst, fixture.privs[0])
		require.Error(t, err)
	})

	t.Run("foreign key cannot sign", func(t *testing.T) {
		stranger, err := fixture.keyring.GenerateKey()
		require.NoError(t, err)
		_, err = fixture.engine.Sign(template, stranger.ExtendedPrivateKey)
		require.Error(t, err)
	})
}

func TestValidateRejectsSubstitutedTransaction(t *testing.T) {
	fixture := newWalletFixture(t)
	template, err := fixture.engine.Build(fixture.buildRequest(t, 1))
	require.NoError(t, err)

	// A signer returning a packet for a different transaction, even a fully
	// valid one, must be rejected outright.
	other := fixture.buildRequest(t, 1)
	other.Outputs[0].Amount = 90_000
	substituted, err := fixture.engine.Build(other)
	require.NoError(t, err)
	substituted, err = fixture.engine.Sign(substituted, fixture.privs[0])
	require.NoError(t, err)

	_, err = fixture.engine.Validate(template, "", substituted)
	require.ErrorContains(t, err, "does not match the template")
}

func TestValidateRejectsPartialCoverage(t *testing.T) {
	fixture := newWalletFixture(t)
	template, err := fixture.engine.Build(fixture.buildRequest(t, 2))
	require.NoError(t, err)

	signed, err := fixture.engine.Sign(template, fixture.privs[0])
	require.NoError(t, err)

	// Strip the signature from the second input to emulate a signer that
	// covered only part of the transaction.
	packet, err := psbtx.Decode(signed)
	require.NoError(t, err)
	packet.Inputs[1].PartialSigs = nil
	stripped, err := psbtx.Encode(packet)
	require.NoError(t, err)

	_, err = fixture.engine.Validate(template, "", stripped)
	require.Error(t, err)
}

func TestValidateRejectsMixedSigners(t *testing.T) {
	fixture := newWalletFixture(t)
	template, err := fixture.engine.Build(fixture.buildRequest(t, 2))
	require.NoError(t, err)

	first, err := fixture.engine.Sign(template, fixture.privs[0])
	require.NoError(t, err)
	second, err := fixture.engine.Sign(template, fixture.privs[1])
	require.NoError(t, err)

	// Splice a packet where input 0 carries only the first key's signature
	// and input 1 only the second's. Every signature verifies, yet neither
	// key covered the whole transaction.
	packetA, err := psbtx.Decode(first)
	require.NoError(t, err)
	packetB, err := psbtx.Decode(second)
	require.NoError(t, err)
	packetA.Inputs[1].PartialSigs = packetB.Inputs[1].PartialSigs
	mixed, err := psbtx.Encode(packetA)
	require.NoError(t, err)

	_, err = fixture.engine.Validate(template, "", mixed)
	require.ErrorContains(t, err, "signed 1 of 2 inputs")
}

func TestValidateRejectsFinalizedAccumulator(t *testing.T) {
	fixture := newWalletFixture(t)
	template, err := fixture.engine.Build(fixture.buildRequest(t, 1))
	require.NoError(t, err)

	first, err := fixture.engine.Sign(template, fixture.privs[0])
	require.NoError(t, err)
	both, err := fixture.engine.Sign(first, fixture.privs[1])
	require.NoError(t, err)

	packet, err := psbtx.Decode(both)
	require.NoError(t, err)
	require.NoError(t, psbt.MaybeFinalizeAll(packet))
	finalized, err := psbtx.Encode(packet)
	require.NoError(t, err)

	// A finalized accumulator has already dropped the metadata needed to
	// verify further signatures; merging into it must be refused.
	third, err := fixture.engine.Sign(template, fixture.privs[2])
	require.NoError(t, err)
	_, err = fixture.engine.Validate(template, finalized, third)
	require.ErrorContains(t, err, "already finalized")
}

func TestValidateRejectsUnsignedPacket(t *testing.T) {
	fixture := newWalletFixture(t)
	template, err := fixture.engine.Build(fixture.buildRequest(t, 1))
	require.NoError(t, err)

	_, err = fixture.engine.Validate(template, "", template)
	require.ErrorContains(t, err, "no signature")
}

func TestValidateAccumulatesIndependentSigners(t *testing.T) {
	fixture := newWalletFixture(t)
	template, err := fixture.engine.Build(fixture.buildRequest(t, 2))
	require.NoError(t, err)

	// Both cosigners sign the pristine template independently; the platform
	// folds the results together one at a time.
	first, err := fixture.engine.Sign(template, fixture.privs[0])
	require.NoError(t, err)
	second, err := fixture.engine.Sign(template, fixture.privs[2])
	require.NoError(t, err)

	resultFirst, err := fixture.engine.Validate(template, "", first)
	require.NoError(t, err)
	require.Equal(t, []string{fixture.prints[0]}, resultFirst.SignerFingerprints)

	resultSecond, err := fixture.engine.Validate(template, resultFirst.Packet, second)
	require.NoError(t, err)
	require.Equal(t, []string{fixture.prints[2]}, resultSecond.SignerFingerprints)

	rawTx, txid, err := fixture.engine.ExtractTransaction(resultSecond.Packet)
	require.NoError(t, err)
	require.NotEmpty(t, rawTx)
	require.Len(t, txid, 64)
}

func TestFingerprintRoundTrip(t *testing.T) {
	parsed, err := psbtx.ParseFingerprint("f00dbabe")
	require.NoError(t, err)
	require.Equal(t, "f00dbabe", psbtx.FormatFingerprint(parsed))

	_, err = psbtx.ParseFingerprint("nope")
	require.Error(t, err)
	_, err = psbtx.ParseFingerprint("f00d")
	require.Error(t, err)
}
