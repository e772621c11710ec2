package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = bytes.Repeat([]byte{0x42}, 32)

// openStream 按 [IV][CTR 密文] 格式还原明文
func openStream(t *testing.T, sealed []byte) string {
	t.Helper()
	require.GreaterOrEqual(t, len(sealed), aes.BlockSize)
	block, err := aes.NewCipher(testKey)
	require.NoError(t, err)
	plain := make([]byte, len(sealed)-aes.BlockSize)
	cipher.NewCTR(block, sealed[:aes.BlockSize]).XORKeyStream(plain, sealed[aes.BlockSize:])
	return string(plain)
}

// openName 按 [nonce][GCM 密文] 格式还原文件名
func openName(t *testing.T, encrypted string) string {
	t.Helper()
	data, err := base64.URLEncoding.DecodeString(encrypted)
	require.NoError(t, err)
	aead, err := newGCM(testKey)
	require.NoError(t, err)
	n := aead.NonceSize()
	require.Greater(t, len(data), n)
	plain, err := aead.Open(nil, data[:n], data[n:], nil)
	require.NoError(t, err)
	return string(plain)
}

func TestEncryptStream(t *testing.T) {
	plain := strings.Repeat("mirror me ", 1000)

	enc, err := NewEncryptReader(strings.NewReader(plain), testKey)
	require.NoError(t, err)
	sealed, err := io.ReadAll(enc)
	require.NoError(t, err)
	assert.Len(t, sealed, len(plain)+aes.BlockSize)
	assert.NotContains(t, string(sealed), "mirror me")
	assert.Equal(t, plain, openStream(t, sealed))

	// 每次使用新的 IV
	again, err := NewEncryptReader(strings.NewReader(plain), testKey)
	require.NoError(t, err)
	sealedAgain, err := io.ReadAll(again)
	require.NoError(t, err)
	assert.NotEqual(t, sealed[:aes.BlockSize], sealedAgain[:aes.BlockSize])
}

func TestEncryptStreamRejectsBadKey(t *testing.T) {
	_, err := NewEncryptReader(strings.NewReader("x"), []byte("short"))
	assert.Error(t, err)
}

func TestNamesAreDeterministic(t *testing.T) {
	a, err := EncryptName("report.pdf", testKey)
	require.NoError(t, err)
	b, err := EncryptName("report.pdf", testKey)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotContains(t, a, "/")
	assert.Equal(t, "report.pdf", openName(t, a))

	other, err := EncryptName("report.txt", testKey)
	require.NoError(t, err)
	assert.NotEqual(t, a, other)
}

func TestEncryptPath(t *testing.T) {
	enc, err := EncryptPath("docs/2024/report.pdf", testKey)
	require.NoError(t, err)

	parts := strings.Split(enc, "/")
	require.Len(t, parts, 3)
	assert.Equal(t, "docs", openName(t, parts[0]))
	assert.Equal(t, "report.pdf", openName(t, parts[2]))
}
