package codes

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Random возвращает n символов из A-Z0-9, выбранных криптостойким генератором
func Random(n int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	buf := make([]byte, n)
	for i := range buf {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = alphabet[idx.Int64()]
	}
	return string(buf), nil
}

// Invite генерирует инвайт-код вида BR_2025_A7K: короткий, для ручного ввода
func Invite(now time.Time) (string, error) {
	suffix, err := Random(3)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("BR_%d_%s", now.Year(), suffix), nil
}

// Referral генерирует реферальный код вида REF_A7K2M
func Referral() (string, error) {
	suffix, err := Random(5)
	if err != nil {
		return "", err
	}
	return "REF_" + suffix, nil
}
