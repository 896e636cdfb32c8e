package intent

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/AgentPay-Network/wallet_layer/internal/app/domain/transfer"
)

func sampleIntent(t *testing.T) transfer.BurnIntent {
	t.Helper()
	salt, err := NewSalt()
	require.NoError(t, err)
	return transfer.BurnIntent{
		Spec: transfer.Spec{
			SourceDomain:      0,
			DestinationDomain: 6,
			SourceContract:    common.HexToAddress("0x0000000000000000000000000000000000000aaa"),
			SourceToken:       common.HexToAddress("0x0000000000000000000000000000000000000bbb"),
			Depositor:         common.HexToAddress("0x0000000000000000000000000000000000000ccc"),
			Recipient:         common.HexToAddress("0x0000000000000000000000000000000000000ddd"),
			Value:             1_000_000,
			Salt:              salt,
		},
		MaxBlockHeight: 99_999_999,
		MaxFee:         2_000,
	}
}

func TestHashDeterministic(t *testing.T) {
	in := sampleIntent(t)
	require.Equal(t, HashIntent(in), HashIntent(in))
}

func TestHashBindsEveryField(t *testing.T) {
	base := sampleIntent(t)
	h := HashIntent(base)

	mutated := base
	mutated.MaxFee = 0
	require.NotEqual(t, h, HashIntent(mutated))

	mutated = base
	mutated.Spec.Value = 999
	require.NotEqual(t, h, HashIntent(mutated))

	mutated = base
	mutated.Spec.DestinationDomain = 7
	require.NotEqual(t, h, HashIntent(mutated))

	mutated = base
	mutated.Spec.Salt[0] ^= 0x01
	require.NotEqual(t, h, HashIntent(mutated))

	mutated = base
	mutated.Spec.HookData = []byte{0x01}
	require.NotEqual(t, h, HashIntent(mutated))
}

func TestSignAndRecover(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	in := sampleIntent(t)
	sig, err := Sign(in, key)
	require.NoError(t, err)
	require.Len(t, sig, 65)

	recovered, err := RecoverSigner(in, sig)
	require.NoError(t, err)
	require.Equal(t, crypto.PubkeyToAddress(key.PublicKey), recovered)

	// Signature over a different intent must not recover the same signer
	// for the original digest combination.
	other := in
	other.Spec.Value++
	recoveredOther, err := RecoverSigner(other, sig)
	require.NoError(t, err)
	require.NotEqual(t, recovered, recoveredOther)
}

func TestSaltUniqueness(t *testing.T) {
	a, err := NewSalt()
	require.NoError(t, err)
	b, err := NewSalt()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}
