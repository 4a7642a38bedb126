package domain

import "math"

const (
	minPaddedSize = 541
	paddingBase   = 1.05
	ivSize        = 16
	macSize       = 32
	aesBlockSize  = 16
)

// CiphertextSize estimates the bytes transferred for a plaintext of the given
// size stored on tier. It is used for progress accounting only.
func CiphertextSize(size int64, tier MediaTier) int64 {
	n := encryptedSize(paddedSize(size))
	if tier == TierBackup {
		n = encryptedSize(n)
	}
	return n
}

func paddedSize(size int64) int64 {
	if size <= 0 {
		return minPaddedSize
	}
	exp := math.Ceil(math.Log(float64(size)) / math.Log(paddingBase))
	padded := int64(math.Floor(math.Pow(paddingBase, exp)))
	return max(minPaddedSize, padded)
}

func encryptedSize(n int64) int64 {
	return ivSize + aesCbcSize(n) + macSize
}

func aesCbcSize(n int64) int64 {
	return (n/aesBlockSize)*aesBlockSize + aesBlockSize
}
