package chain

import (
	"testing"

	"github.com/pixelspark/catena-sub001/crypto"
	"github.com/stretchr/testify/require"
)

// TestTransactionSigningScenario implements scenario C: a fresh Ed25519
// keypair signs a zero-counter statement; the signature verifies, and
// flipping any byte of statement, counter, or key breaks verification.
func TestTransactionSigningScenario(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	tx := &StdTx{
		Invoker:   pub,
		Counter:   0,
		Statement: []byte(`INSERT INTO foo ("x") VALUES (?what);`),
	}
	SignStdTx(priv, tx)
	require.True(t, tx.Verify())

	t.Run("tampered statement", func(t *testing.T) {
		tampered := *tx
		tampered.Statement = append([]byte{}, tx.Statement...)
		tampered.Statement[0] ^= 0xff
		require.False(t, tampered.Verify())
	})

	t.Run("tampered counter", func(t *testing.T) {
		tampered := *tx
		tampered.Counter = tx.Counter + 1
		require.False(t, tampered.Verify())
	})

	t.Run("tampered key", func(t *testing.T) {
		_, otherPub, err := crypto.GenerateKeyPair()
		require.NoError(t, err)
		tampered := *tx
		tampered.Invoker = otherPub
		require.False(t, tampered.Verify())
	})

	t.Run("tampered signature byte", func(t *testing.T) {
		tampered := *tx
		tampered.Signature = append([]byte{}, tx.Signature...)
		tampered.Signature[0] ^= 0xff
		require.False(t, tampered.Verify())
	})
}
