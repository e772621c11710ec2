package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

// EncryptName 确定性加密单个文件名 (AES-GCM + Base64Url)
// 相同输入总是得到相同输出，远端路径才能被重复定位
func EncryptName(plainName string, key []byte) (string, error) {
	aead, err := newGCM(key)
	if err != nil {
		return "", err
	}

	// Nonce 由明文派生，每个文件名对应唯一 Nonce
	sum := sha256.Sum256([]byte(plainName))
	nonce := sum[:aead.NonceSize()]

	// Nonce 作为密文前缀，解密时取回
	sealed := aead.Seal(nonce, nonce, []byte(plainName), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// EncryptPath 逐段加密 "/" 分隔的相对路径
func EncryptPath(relPath string, key []byte) (string, error) {
	parts := strings.Split(relPath, "/")
	for i, part := range parts {
		encrypted, err := EncryptName(part, key)
		if err != nil {
			return "", fmt.Errorf("加密路径 '%s' 的部分 '%s' 失败: %w", relPath, part, err)
		}
		parts[i] = encrypted
	}
	return strings.Join(parts, "/"), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("无效的密钥: %w", err)
	}
	return cipher.NewGCM(block)
}
