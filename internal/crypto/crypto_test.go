package crypto

import (
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

func TestEncryptDecryptKey(t *testing.T) {
	blob, err := EncryptKey("0x"+testKey, "hunter2")
	require.NoError(t, err)

	got, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testKey, got)

	_, err = DecryptKey(blob, "wrong")
	assert.Error(t, err)

	_, err = EncryptKey("abcd", "pw")
	assert.Error(t, err)
	_, err = EncryptKey(testKey, "")
	assert.Error(t, err)
}

func TestDecryptKeyRejectsEditedAddress(t *testing.T) {
	blob, err := EncryptKey(testKey, "pw")
	require.NoError(t, err)

	var kf map[string]any
	require.NoError(t, json.Unmarshal(blob, &kf))
	kf["address"] = "0x00000000000000000000000000000000000000bb"
	edited, err := json.Marshal(kf)
	require.NoError(t, err)

	_, err = DecryptKey(edited, "pw")
	assert.Error(t, err)
}

func TestLoadKey(t *testing.T) {
	k, err := LoadKey(KeyConfig{RawPrivateKey: "0x" + testKey})
	require.NoError(t, err)
	assert.Equal(t, testKey, k)

	_, err = LoadKey(KeyConfig{RawPrivateKey: "zz"})
	assert.Error(t, err)

	blob, err := EncryptKey(testKey, "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	k, err = LoadKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "pw"})
	require.NoError(t, err)
	assert.Equal(t, testKey, k)

	_, err = LoadKey(KeyConfig{})
	assert.Error(t, err)
}

func TestSigner_SignTx(t *testing.T) {
	s, err := LoadSigner(KeyConfig{RawPrivateKey: testKey}, 8453)
	require.NoError(t, err)
	assert.Equal(t, int64(8453), s.ChainID().Int64())

	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.ChainID(),
		Nonce:     3,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(10),
		Gas:       21000,
		To:        &to,
		Value:     big.NewInt(0),
	})
	signed, err := s.SignTx(tx)
	require.NoError(t, err)

	from, err := s.Sender(signed)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), from)

	_, err = NewSigner("nothex", 1)
	assert.Error(t, err)
}

func TestMessageAuth(t *testing.T) {
	a := NewMessageAuth("shared")
	require.True(t, a.Enabled())

	sig := a.Sign("0xabc", 2, []byte("payload"))
	assert.Len(t, sig, 32)
	assert.NoError(t, a.Verify("0xabc", 2, []byte("payload"), sig))
	assert.ErrorIs(t, a.Verify("0xabc", 3, []byte("payload"), sig), ErrBadMAC)
	assert.ErrorIs(t, a.Verify("0xabc", 2, []byte("payloaX"), sig), ErrBadMAC)
	assert.ErrorIs(t, NewMessageAuth("other").Verify("0xabc", 2, []byte("payload"), sig), ErrBadMAC)

	off := NewMessageAuth("")
	assert.False(t, off.Enabled())
	assert.Nil(t, off.Sign("x", 1, nil))
	assert.NoError(t, off.Verify("x", 1, nil, nil))

	var none *MessageAuth
	assert.NoError(t, none.Verify("x", 1, nil, []byte("junk")))
}
