package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// NewEncryptReader 返回密文流: [16 字节随机 IV] + [AES-CTR 密文]
// 流式处理，内存占用与文件大小无关
func NewEncryptReader(src io.Reader, key []byte) (io.Reader, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("无效的密钥: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("生成 IV 失败: %w", err)
	}

	return io.MultiReader(
		bytes.NewReader(iv),
		&cipher.StreamReader{S: cipher.NewCTR(block, iv), R: src},
	), nil
}
